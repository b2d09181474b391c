package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/Tyrowin/gochat-relay/internal/audit"
	"github.com/Tyrowin/gochat-relay/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "relayd"
	app.Usage = "Group chat relay over TCP"
	app.Version = "1.0.0"
	app.Commands = []cli.Command{
		{
			Name:    "serve",
			Aliases: []string{"s"},
			Usage:   "Start the relay",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "debug,d",
					Usage: "Enable debug output",
				},
				cli.StringFlag{
					Name:  "config,c",
					Usage: "TOML configuration file",
				},
				cli.IntFlag{
					Name:  "port,p",
					Usage: "Port to listen",
					Value: 1234,
				},
				cli.StringFlag{
					Name:  "bind,a",
					Usage: "Address to bind the relay port to",
				},
				cli.StringFlag{
					Name:  "http",
					Usage: "Address for health, metrics and the WebSocket gateway (empty disables)",
				},
				cli.StringFlag{
					Name:  "audit-log",
					Usage: "Audit log file (empty disables)",
					Value: "server_log.txt",
				},
				cli.DurationFlag{
					Name:  "sweep-interval",
					Usage: "Disconnect clients silent past the inactivity timeout, checked at this interval (0 disables)",
				},
			},
			Action: serve,
		},
	}
	return app
}

// PlainFormatter prints "[time] message (k=v ...)" for operators.
type PlainFormatter struct{}

func (f *PlainFormatter) Format(e *log.Entry) ([]byte, error) {
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := bytes.NewBuffer(make([]byte, 0, 128))
	for _, k := range keys {
		if data.Len() > 0 {
			data.WriteByte(' ')
		}
		fmt.Fprintf(data, "%s=%v", k, e.Data[k])
	}

	var msg string
	if data.Len() > 0 {
		msg = fmt.Sprintf("[%s] %s (%s)\n", e.Time.Format("2006-01-02 15:04:05"), e.Message, data)
	} else {
		msg = fmt.Sprintf("[%s] %s\n", e.Time.Format("2006-01-02 15:04:05"), e.Message)
	}
	return []byte(msg), nil
}

func loadConfig(c *cli.Context) (*server.Config, error) {
	cfg := server.NewConfig()
	if path := c.String("config"); path != "" {
		if err := server.LoadConfigFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()

	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("bind") {
		cfg.BindAddress = c.String("bind")
	}
	if c.IsSet("http") {
		cfg.HTTPAddress = c.String("http")
	}
	if c.IsSet("audit-log") {
		cfg.AuditLog = c.String("audit-log")
	}
	if c.IsSet("sweep-interval") {
		cfg.SweepInterval = c.Duration("sweep-interval")
	}
	return cfg, nil
}

func serve(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetFormatter(&PlainFormatter{})
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	var appender audit.Appender = audit.Discard
	if cfg.AuditLog != "" {
		f, err := audit.Open(cfg.AuditLog)
		if err != nil {
			return err
		}
		defer f.Close()
		appender = f
	}

	relay := server.NewServer(*cfg,
		server.WithLogger(log.StandardLogger()),
		server.WithAudit(appender),
	)
	if err := relay.Listen(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- relay.Serve()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.Infof("Received signal %s. Shutting down...", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("relay error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return relay.Shutdown(ctx)
}
