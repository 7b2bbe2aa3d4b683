// Package sessiondb records acquisition sessions in a ClickHouse database.
// The database is optional: when no server is reachable, every recording
// call is a silent no-op so the logger works identically without it.
package sessiondb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "picolog" // official SQL name of the database

// SessionMessage is the information required to make an entry in the
// sessions table. One row per acquisition session.
type SessionMessage struct {
	ID           string // ULID of the session
	Hostname     string
	Version      string
	SourceName   string
	CacheFile    string
	SampleRateHz int
	Nchannels    int
	NmathChans   int
	Acquired     uint64
	Saved        uint64
	Start        time.Time
	End          time.Time
}

// Connection wraps one ClickHouse connection and the channel feeding it.
type Connection struct {
	conn       clickhouse.Conn
	err        error
	sessionmsg chan *SessionMessage
	sync.WaitGroup
}

// IsConnected reports whether the connection is usable.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer checks that a ClickHouse server is reachable with the
// configured credentials.
func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartConnection opens the DB connection and launches its message handler.
// The returned Connection is usable (as a no-op) even when the server is
// unreachable.
func StartConnection(abort <-chan struct{}) *Connection {
	db := createConnection()
	if db.IsConnected() {
		go db.handleConnection(abort)
	}
	return db
}

// DummyConnection returns a never-connected Connection, for tests and for
// deployments with no database at all.
func DummyConnection() *Connection {
	return &Connection{}
}

func createConnection() *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("PICOLOG_DB_USER"),
		Password: os.Getenv("PICOLOG_DB_PASSWORD"),
	}
	addr := os.Getenv("PICOLOG_DB_ADDR")
	if addr == "" {
		addr = "localhost:9000"
	}
	opt := clickhouse.Options{
		Addr: []string{addr},
		Auth: auth,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	ctx := context.Background()
	if err = conn.Ping(ctx); err != nil {
		db.err = err
		return db
	}
	db.sessionmsg = make(chan *SessionMessage)
	db.Add(1)
	return db
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			return
		case msg := <-db.sessionmsg:
			db.insertSession(msg)
		}
	}
}

// RecordSession stores the start-of-session row. It blocks until the
// handler accepts the message, so the session row exists before any
// FinishSession update can race it.
func (db *Connection) RecordSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.sessionmsg <- msg
}

// FinishSession stores the final counters for a completed session.
func (db *Connection) FinishSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.sessionmsg <- msg }()
}

func (db *Connection) insertSession(m *SessionMessage) {
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := m.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx,
		`INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.Hostname, m.Version, m.SourceName, m.CacheFile,
		m.SampleRateHz, m.Nchannels, m.NmathChans,
		m.Acquired, m.Saved, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into sessions ", err)
		db.err = err
	}
}
