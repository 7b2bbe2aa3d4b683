package picolog

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/spf13/viper"
)

// SourceControl is the sub-server that handles configuration and operation
// of the picolog acquisition session over JSON-RPC.
type SourceControl struct {
	controller    *SessionController
	clientUpdates chan<- ClientUpdate
}

// ServerStatus is the status that SourceControl reports to clients.
type ServerStatus struct {
	Running      bool
	SessionID    string
	SampleRateHz int
	Nchannels    int
	NmathChans   int
	CacheFile    string
}

// ConfigureChannel is the RPC-callable service to change one input
// channel's settings. Valid only while stopped.
func (s *SourceControl) ConfigureChannel(args *ChannelConfig, reply *bool) error {
	UpdateLogger.Printf("ConfigureChannel: %s enabled=%t %s %s\n",
		args.Channel, args.Enabled, args.Range, args.Coupling)
	err := s.controller.ConfigureChannel(*args)
	*reply = (err == nil)
	if err == nil {
		s.saveState()
	}
	return err
}

// ConfigureSampleRate is the RPC-callable service to change the streaming
// rate. Valid only while stopped.
func (s *SourceControl) ConfigureSampleRate(hz *int, reply *bool) error {
	UpdateLogger.Printf("ConfigureSampleRate: %d Hz\n", *hz)
	err := s.controller.SetSampleRate(*hz)
	*reply = (err == nil)
	if err == nil {
		s.saveState()
	}
	return err
}

// ConfigureTimeline is the RPC-callable service to change the retained
// plot window, in seconds. Valid only while stopped.
func (s *SourceControl) ConfigureTimeline(seconds *float64, reply *bool) error {
	UpdateLogger.Printf("ConfigureTimeline: %.1f s\n", *seconds)
	err := s.controller.SetTimeline(*seconds)
	*reply = (err == nil)
	if err == nil {
		s.saveState()
	}
	return err
}

// AddMathChannel validates a formula and registers it as a derived channel.
func (s *SourceControl) AddMathChannel(args *MathChannelConfig, reply *bool) error {
	UpdateLogger.Printf("AddMathChannel: %q = %q\n", args.Name, args.Formula)
	err := s.controller.AddMathChannel(*args)
	*reply = (err == nil)
	if err == nil {
		s.saveState()
		s.clientUpdates <- ClientUpdate{"MATH", s.controller.MathChannels()}
	}
	return err
}

// RemoveMathChannel removes a derived channel by name.
func (s *SourceControl) RemoveMathChannel(name *string, reply *bool) error {
	UpdateLogger.Printf("RemoveMathChannel: %q\n", *name)
	err := s.controller.RemoveMathChannel(*name)
	*reply = (err == nil)
	if err == nil {
		s.saveState()
		s.clientUpdates <- ClientUpdate{"MATH", s.controller.MathChannels()}
	}
	return err
}

// ZeroOffset captures a zero calibration for one channel and replies with
// the offset applied, in volts.
func (s *SourceControl) ZeroOffset(channel *int, reply *float64) error {
	offset, err := s.controller.ZeroOffset(ChannelID(*channel))
	if err != nil {
		return err
	}
	*reply = offset
	s.saveState()
	return nil
}

// Start begins streaming to a fresh cache file.
func (s *SourceControl) Start(dummy *string, reply *bool) error {
	UpdateLogger.Printf("Starting acquisition\n")
	err := s.controller.Start()
	*reply = (err == nil)
	if err == nil {
		s.broadcastStatus()
	}
	return err
}

// Stop ends the running session, if any.
func (s *SourceControl) Stop(dummy *string, reply *bool) error {
	UpdateLogger.Printf("Stopping acquisition\n")
	err := s.controller.Stop()
	*reply = (err == nil)
	s.broadcastStatus()
	return err
}

// Reset stops any session and clears all retained data and counters.
func (s *SourceControl) Reset(dummy *string, reply *bool) error {
	UpdateLogger.Printf("Resetting session data\n")
	err := s.controller.Reset()
	*reply = (err == nil)
	s.broadcastStatus()
	return err
}

// SessionStats replies with the current throughput counters.
func (s *SourceControl) SessionStats(dummy *string, reply *SessionStats) error {
	*reply = s.controller.Stats()
	return nil
}

// WriteSnapshot exports the retained history to the named .npy file and
// replies with the column names in file order.
func (s *SourceControl) WriteSnapshot(filename *string, reply *[]string) error {
	columns, err := s.controller.ExportSnapshot(*filename)
	if err != nil {
		return err
	}
	UpdateLogger.Printf("Wrote snapshot with %d columns to %s\n", len(columns), *filename)
	*reply = columns
	return nil
}

func (s *SourceControl) broadcastStatus() {
	cfg := s.controller.Config()
	stats := s.controller.Stats()
	status := ServerStatus{
		Running:      stats.Running,
		SessionID:    stats.SessionID,
		SampleRateHz: cfg.SampleRateHz,
		Nchannels:    len(cfg.EnabledChannels()),
		NmathChans:   len(s.controller.MathChannels()),
		CacheFile:    stats.CacheFile,
	}
	s.clientUpdates <- ClientUpdate{"STATUS", status}
}

// SendAllStatus causes a broadcast to clients containing all broadcastable
// status info.
func (s *SourceControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastStatus()
	s.clientUpdates <- ClientUpdate{"MATH", s.controller.MathChannels()}
	s.clientUpdates <- ClientUpdate{"SENDALL", 0}
	*reply = true
	return nil
}

// saveState persists the current session and math-channel configuration so
// the next run starts where this one left off.
func (s *SourceControl) saveState() {
	viper.Set("session", s.controller.Config())
	viper.Set("math", s.controller.MathChannels())
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("could not save config file: %v\n", err)
	}
}

// restoreState transfers saved configuration from Viper to the controller.
func (s *SourceControl) restoreState() {
	UpdateLogger.Printf("Picolog is using config file %s\n", viper.ConfigFileUsed())
	var cfg SessionConfig
	if err := viper.UnmarshalKey("session", &cfg); err == nil && len(cfg.Channels) > 0 {
		if err := cfg.Validate(); err == nil {
			s.controller.mu.Lock()
			s.controller.config = cfg
			s.controller.mu.Unlock()
		}
	}
	var mathChans []MathChannelConfig
	if err := viper.UnmarshalKey("math", &mathChans); err == nil {
		for _, mc := range mathChans {
			if err := s.controller.AddMathChannel(mc); err != nil {
				ProblemLogger.Printf("stored formula %q no longer valid: %v\n", mc.Name, err)
			}
		}
	}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server around the
// given controller.
func RunRPCServer(controller *SessionController, messageChan chan<- ClientUpdate, portrpc int) {
	sourceControl := &SourceControl{
		controller:    controller,
		clientUpdates: messageChan,
	}
	sourceControl.restoreState()

	go func() {
		ticker := time.Tick(2 * time.Second)
		for range ticker {
			sourceControl.broadcastStatus()
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	if err := server.Register(sourceControl); err != nil {
		ProblemLogger.Fatal("rpc register error:", err)
	}
	server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		ProblemLogger.Fatal("listen error:", err)
	}
	for {
		if conn, err := listener.Accept(); err != nil {
			ProblemLogger.Fatal("accept error: " + err.Error())
		} else {
			UpdateLogger.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
}
