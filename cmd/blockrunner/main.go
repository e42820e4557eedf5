package main

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/guseggert/blockrunner/run"
	"github.com/guseggert/blockrunner/server"
	"github.com/guseggert/blockrunner/store"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "blockrunner",
		Usage: "run stored programs and watch their output live in the browser",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Usage:   "The port for the HTTP server to listen on.",
				EnvVars: []string{"PORT"},
				Value:   5001,
			},
			&cli.StringFlag{
				Name:  "listen-host",
				Usage: "The host for the HTTP server to listen on.",
				Value: "0.0.0.0",
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "The database holding the runnable_blocks table. One of postgres://, sqlite:// or file: URLs.",
				EnvVars:  []string{"DATABASE_URL"},
				Required: true,
			},
			&cli.StringFlag{
				Name:  "launcher",
				Usage: "Where programs run. One of [local,docker].",
				Value: "local",
			},
			&cli.StringFlag{
				Name:  "interpreter",
				Usage: "The interpreter programs are run with.",
				Value: "python3",
			},
			&cli.StringFlag{
				Name:  "source-suffix",
				Usage: "The suffix of the source files written for the local launcher.",
				Value: ".py",
			},
			&cli.StringFlag{
				Name:  "workdir",
				Usage: "The directory for the local launcher's source files. Defaults to the OS temp dir.",
			},
			&cli.StringFlag{
				Name:  "docker-image",
				Usage: "The image programs run in with the docker launcher.",
				Value: "python:3-alpine",
			},
			&cli.DurationFlag{
				Name:  "keepalive",
				Usage: "How often idle output streams send a keep-alive.",
				Value: server.DefaultKeepAlive,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "The minimum level to log at. One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "tls-cert",
				Usage: "Path to a PEM certificate chain. Serves HTTPS together with --tls-key.",
			},
			&cli.StringFlag{
				Name:  "tls-key",
				Usage: "Path to the PEM private key of --tls-cert.",
			},
			&cli.BoolFlag{
				Name:  "tls-self-signed",
				Usage: "Serve HTTPS with a throwaway self-signed certificate, writing its CA to the workdir.",
			},
		},
		Action: action,
	}
}

func action(c *cli.Context) error {
	level, err := zapcore.ParseLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	dbURL := c.String("database-url")
	if dbURL == "" {
		return errors.New("DATABASE_URL environment variable not set")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, dbURL, store.WithLogger(log))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	launcher, err := newLauncher(c, log)
	if err != nil {
		return err
	}
	registry := run.NewRegistry(st, launcher, run.WithLogger(log))

	opts := []server.Option{
		server.WithLogger(log),
		server.WithListenAddr(net.JoinHostPort(c.String("listen-host"), strconv.Itoa(c.Int("port")))),
		server.WithKeepAlive(c.Duration("keepalive")),
	}
	tlsOpt, err := tlsOption(c, log)
	if err != nil {
		return err
	}
	if tlsOpt != nil {
		opts = append(opts, tlsOpt)
	}

	return server.New(st, st, registry, opts...).Run(ctx)
}

func newLauncher(c *cli.Context, log *zap.SugaredLogger) (run.Launcher, error) {
	switch l := c.String("launcher"); l {
	case "local":
		return run.NewLocalLauncher().
			WithLogger(log).
			WithInterpreter(c.String("interpreter")).
			WithSuffix(c.String("source-suffix")).
			WithDir(c.String("workdir")), nil
	case "docker":
		launcher, err := run.NewDockerLauncher()
		if err != nil {
			return nil, fmt.Errorf("building docker launcher: %w", err)
		}
		return launcher.
			WithLogger(log).
			WithImage(c.String("docker-image")).
			WithInterpreter(c.String("interpreter")), nil
	default:
		return nil, fmt.Errorf("unsupported launcher %q", l)
	}
}

func tlsOption(c *cli.Context, log *zap.SugaredLogger) (server.Option, error) {
	certPath, keyPath := c.String("tls-cert"), c.String("tls-key")
	switch {
	case certPath != "" || keyPath != "":
		if certPath == "" || keyPath == "" {
			return nil, errors.New("--tls-cert and --tls-key must be set together")
		}
		certPEM, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("reading TLS cert: %w", err)
		}
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("reading TLS key: %w", err)
		}
		cfg, err := server.ServerTLSConfig(certPEM, keyPEM)
		if err != nil {
			return nil, err
		}
		return server.WithTLSConfig(cfg), nil
	case c.Bool("tls-self-signed"):
		hosts := []string{"localhost", "127.0.0.1"}
		if h := c.String("listen-host"); h != "0.0.0.0" && h != "" {
			hosts = append(hosts, h)
		}
		certs, err := server.GenerateCerts(hosts...)
		if err != nil {
			return nil, fmt.Errorf("generating certs: %w", err)
		}
		dir := c.String("workdir")
		if dir == "" {
			dir = os.TempDir()
		}
		caPath := filepath.Join(dir, "blockrunner-ca.pem")
		err = os.WriteFile(caPath, certs.CA.CertPEMBytes, 0644)
		if err != nil {
			return nil, fmt.Errorf("writing CA cert: %w", err)
		}
		log.Infow("serving a self-signed certificate", "CA", caPath)
		cfg, err := server.ServerTLSConfig(certs.Server.CertPEMBytes, certs.Server.KeyPEMBytes)
		if err != nil {
			return nil, err
		}
		return server.WithTLSConfig(cfg), nil
	}
	return nil, nil
}
