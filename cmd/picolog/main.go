package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/picodaq/picolog"
	"github.com/picodaq/picolog/internal/sessiondb"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find
// config files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotPicolog := filepath.Join(HOME, ".picolog")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotPicolog, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/picolog"))
	viper.AddConfigPath(dotPicolog)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	picolog.Build.Date = buildDate
	picolog.Build.Githash = githash

	printVersion := flag.Bool("version", false, "print version and quit")
	noDB := flag.Bool("nodb", false, "do not record sessions to the database")
	pingDB := flag.Bool("ping", false, "check the session database connection and quit")
	flag.Parse()

	if *pingDB {
		if err := sessiondb.PingServer(); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *printVersion {
		fmt.Printf("This is picolog version %s\n", picolog.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is picolog version %s (git commit %s)\n", picolog.Build.Version, githash)
	fmt.Print(banner)

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".picolog", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	picolog.ProblemLogger = startLogger(problemname)
	picolog.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	picolog.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	abort := make(chan struct{})
	messageChan := make(chan picolog.ClientUpdate, 10)
	go picolog.RunClientUpdater(messageChan, picolog.Ports.Status, abort)

	controller := picolog.NewSessionController(picolog.NewSimSineSource(), messageChan)
	defer controller.Close()
	controller.AddPlotConsumer(func(snap picolog.PlotSnapshot) {
		summary := struct {
			Nsamples int
			Channels []string
			LastTime float64
		}{Nsamples: len(snap.Times), Channels: snap.Order}
		if summary.Nsamples > 0 {
			summary.LastTime = snap.Times[summary.Nsamples-1]
		}
		select {
		case messageChan <- picolog.ClientUpdate{Tag: "SNAPSHOT", State: summary}:
		default:
		}
	})
	if !*noDB {
		db := sessiondb.StartConnection(abort)
		controller.SetDatabase(db)
	}

	picolog.RunRPCServer(controller, messageChan, picolog.Ports.RPC)
	close(abort)
}
