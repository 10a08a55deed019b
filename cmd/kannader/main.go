/*
Kannader - A pluggable, queue-first SMTP relay server.
Copyright © 2023-2026 Kannader contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Ekleog/kannader/framework/hooks"
	"github.com/Ekleog/kannader/framework/log"
	"github.com/Ekleog/kannader/framework/policy"
	endpoint "github.com/Ekleog/kannader/internal/endpoint/smtp"
	"github.com/Ekleog/kannader/internal/policy/native"
	"github.com/Ekleog/kannader/internal/policy/proc"
	"github.com/Ekleog/kannader/internal/queue"
	"github.com/Ekleog/kannader/internal/target/remote"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

// Exit codes, stable for service managers:
// 0 graceful shutdown, 1 configuration error, 2 I/O error, 3 policy load
// error.
const (
	exitConfig = 1
	exitIO     = 2
	exitPolicy = 3
)

func main() {
	app := cli.NewApp()
	app.Name = "kannader"
	app.Usage = "pluggable queue-first SMTP relay server"
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(exitConfig)
		}
	}
	app.Commands = []*cli.Command{
		{
			Name:  "run",
			Usage: "Start the relay server",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{
					Name:  "listen",
					Usage: "`ADDRESS` to listen on; may be given multiple times",
					Value: cli.NewStringSlice("127.0.0.1:2525"),
				},
				&cli.BoolFlag{
					Name:  "inherit-fds",
					Usage: "Use listening sockets inherited via LISTEN_FDS instead of binding",
				},
				&cli.PathFlag{
					Name:     "queue",
					Usage:    "`PATH` of the queue root directory",
					Required: true,
				},
				&cli.PathFlag{
					Name:  "policy",
					Usage: "`PATH` of the policy blob executable; the built-in accept-all policy is used when unset",
				},
				&cli.PathFlag{
					Name:  "policy-config",
					Usage: "Configuration `PATH` handed to the policy blob",
				},
				&cli.IntFlag{
					Name:  "policy-instances",
					Usage: "Amount of policy blob instances to keep",
					Value: 4,
				},
				&cli.StringFlag{
					Name:  "hostname",
					Usage: "`DOMAIN` announced in greetings and trace fields",
					Value: "localhost",
				},
				&cli.StringFlag{
					Name:  "relay",
					Usage: "Static next hop as `HOST:PORT`; MX resolution is used when unset",
				},
				&cli.PathFlag{
					Name:  "tls-cert",
					Usage: "TLS certificate `PATH` for STARTTLS",
				},
				&cli.PathFlag{
					Name:  "tls-key",
					Usage: "TLS key `PATH` for STARTTLS",
				},
				&cli.StringFlag{
					Name:  "metrics",
					Usage: "`ADDRESS` to serve Prometheus metrics on; disabled when unset",
				},
				&cli.IntFlag{
					Name:  "max-parallelism",
					Usage: "Maximum amount of parallel outbound deliveries",
					Value: 16,
				},
				&cli.BoolFlag{
					Name:  "debug",
					Usage: "Enable debug logging",
				},
			},
			Action: run,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Println(err)
		os.Exit(exitConfig)
	}
}

func run(c *cli.Context) error {
	log.DefaultLogger.Debug = c.Bool("debug")
	log.DefaultLogger.Out = log.WriterOutput(os.Stderr, true)

	hostname := c.String("hostname")

	// Policy plane.
	var pol policy.Instance
	if blobPath := c.Path("policy"); blobPath != "" {
		if err := proc.Available(blobPath); err != nil {
			log.Println("cannot load policy blob:", err)
			os.Exit(exitPolicy)
		}
		grants := policy.Grants{Network: true}
		if cfg := c.Path("policy-config"); cfg != "" {
			grants.FSRead = []string{cfg}
		}
		pool, err := policy.NewPool(c.Int("policy-instances"), func() (policy.Instance, error) {
			return proc.New(blobPath, c.Path("policy-config"), grants, log.Logger{Name: "policy"})
		})
		if err != nil {
			log.Println("cannot start policy blob:", err)
			os.Exit(exitPolicy)
		}
		pol = pool
	} else {
		pol = native.Default(hostname)
	}
	hooks.On(hooks.Shutdown, func() {
		if err := pol.Close(); err != nil {
			log.Println("policy shutdown:", err)
		}
	})

	// Queue.
	fs, err := queue.OpenFS(c.Path("queue"), log.Logger{Name: "queue"})
	if err != nil {
		log.Println(err)
		os.Exit(exitIO)
	}
	target := remote.New(hostname, c.String("relay"), log.Logger{Name: "remote"})
	q := queue.New(fs, target, pol, c.Int("max-parallelism"), log.Logger{Name: "queue"})
	if err := q.Start(); err != nil {
		log.Println(err)
		os.Exit(exitIO)
	}

	// Endpoint.
	cfg := endpoint.Config{Hostname: hostname}
	if cert, key := c.Path("tls-cert"), c.Path("tls-key"); cert != "" || key != "" {
		keypair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return cli.Exit(fmt.Sprintf("cannot load TLS keypair: %v", err), exitConfig)
		}
		cfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{keypair}}
	}

	endp, err := endpoint.New(cfg, pol, q, log.Logger{Name: "smtp"})
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	if c.Bool("inherit-fds") {
		listeners, err := inheritedListeners()
		if err != nil {
			log.Println(err)
			os.Exit(exitIO)
		}
		if len(listeners) == 0 {
			return cli.Exit("--inherit-fds is set but no sockets were passed", exitConfig)
		}
		for _, l := range listeners {
			l := l
			go func() {
				if err := endp.Serve(l); err != nil {
					log.Println("listener failed:", err)
				}
			}()
		}
	} else {
		if err := endp.ListenAndServe(c.StringSlice("listen")); err != nil {
			log.Println(err)
			os.Exit(exitIO)
		}
	}

	if addr := c.String("metrics"); addr != "" {
		go func() {
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
				log.Println("metrics endpoint failed:", err)
			}
		}()
	}

	waitForShutdown(endp, q)
	return nil
}

func waitForShutdown(endp *endpoint.Endpoint, q *queue.Queue) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	for s := range sig {
		if s == syscall.SIGUSR1 {
			hooks.Run(hooks.LogRotate)
			continue
		}

		log.Printf("signal received (%v), next signal will force stop", s)
		go func() {
			<-sig
			log.Printf("forced stop")
			os.Exit(exitIO)
		}()

		endp.Close()
		q.Close()
		hooks.Run(hooks.Shutdown)
		return
	}
}

// inheritedListeners implements the LISTEN_FDS protocol used by service
// managers for socket activation: fds 3..3+LISTEN_FDS-1 are listening
// sockets, already bound with privileges we do not have.
func inheritedListeners() ([]net.Listener, error) {
	countStr := os.Getenv("LISTEN_FDS")
	if countStr == "" {
		return nil, nil
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return nil, fmt.Errorf("malformed LISTEN_FDS: %w", err)
	}

	var listeners []net.Listener
	for fd := 3; fd < 3+count; fd++ {
		file := os.NewFile(uintptr(fd), "listener-"+strconv.Itoa(fd))
		l, err := net.FileListener(file)
		if err != nil {
			return nil, fmt.Errorf("fd %d is not a listening socket: %w", fd, err)
		}
		file.Close()
		listeners = append(listeners, l)
	}
	return listeners, nil
}
