// Command malai is the CLI entrypoint: start the daemon, trigger a
// rescan, generate an identity key, or print the binary's version.
//
// Grounded on kr/kr.go's urfave/cli v1 cli.NewApp()/app.Commands
// structure (no teacher binary maps directly onto a P2P daemon
// supervisor, so the command set itself follows
// original_source/malai/src/cli.rs's subcommands: daemon, rescan,
// keygen) and krd/main.go for the daemon command's own
// open-sockets/spawn-goroutines/block-on-signal body.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/op/go-logging"
	"github.com/urfave/cli"

	"github.com/fastn-stack/kulfi/internal/ctlsock"
	"github.com/fastn-stack/kulfi/internal/daemon"
	"github.com/fastn-stack/kulfi/internal/graceful"
	"github.com/fastn-stack/kulfi/internal/id52"
	"github.com/fastn-stack/kulfi/internal/kulfilog"
	"github.com/fastn-stack/kulfi/internal/malaierr"
	"github.com/fastn-stack/kulfi/internal/malaiversion"
	"github.com/fastn-stack/kulfi/internal/transport"
)

const lockFileName = "malai.lock"
const ctlSocketName = "malai.socket"

func malaiHome() string {
	if home := os.Getenv("MALAI_HOME"); home != "" {
		return home
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = "."
	}
	return filepath.Join(configDir, "malai")
}

func useSyslog() bool {
	return os.Getenv("MALAI_LOG_SYSLOG") == "true"
}

func daemonAction(c *cli.Context) error {
	home := malaiHome()

	if c.Bool("e") {
		fmt.Printf("MALAI_HOME=%s\n", home)
		fmt.Printf("MALAI_DAEMON_SOCK=%s\n", filepath.Join(home, ctlSocketName))
		return nil
	}

	if err := os.MkdirAll(home, 0700); err != nil {
		return fmt.Errorf("malai: failed to create %s: %w", home, err)
	}

	log := kulfilog.Setup("daemon", kulfilog.ModuleLevel(logging.NOTICE), useSyslog())

	lock, err := daemon.AcquireLock(home)
	if err != nil {
		if errors.Is(err, malaierr.ErrDaemonRunning) {
			fmt.Println(color.YellowString("another malai daemon is already running at %s", home))
			return nil
		}
		return fmt.Errorf("malai: failed to acquire lock: %w", err)
	}
	defer lock.Release()

	fmt.Println(color.CyanString("starting malai daemon (version %s)", malaiversion.String()))
	fmt.Printf("MALAI_HOME: %s\n", home)
	fmt.Printf("lock acquired: %s\n", filepath.Join(home, lockFileName))

	socketPath := filepath.Join(home, ctlSocketName)
	ln, err := ctlsock.Listen(socketPath)
	if err != nil {
		return fmt.Errorf("malai: failed to bind control socket: %w", err)
	}
	defer ln.Close()

	g := graceful.New()

	st, err := daemon.New(home, func(self id52.SecretKey) (transport.Endpoint, error) {
		return transport.NewEndpoint(self, "")
	}, nil, log, g)
	if err != nil {
		return fmt.Errorf("malai: failed to initialize daemon: %w", err)
	}
	if err := st.Start(); err != nil {
		return fmt.Errorf("malai: startup scan failed: %w", err)
	}

	g.Spawn(func(_ context.Context) {
		_ = ctlsock.Serve(ln, log, func(req ctlsock.Message) ctlsock.Message {
			switch req.Kind {
			case ctlsock.RescanAll:
				if err := st.RescanAll(); err != nil {
					return ctlsock.Message{Kind: ctlsock.Error, Message: err.Error()}
				}
				return ctlsock.Message{Kind: ctlsock.Success}
			case ctlsock.RescanCluster:
				if err := st.RescanCluster(req.Cluster); err != nil {
					return ctlsock.Message{Kind: ctlsock.Error, Message: err.Error()}
				}
				return ctlsock.Message{Kind: ctlsock.Success}
			default:
				return ctlsock.Message{Kind: ctlsock.Error, Message: "invalid message type"}
			}
		})
	})

	fmt.Println(color.GreenString("malai daemon started - all cluster listeners active"))
	fmt.Println("press ctrl+c to stop gracefully")

	g.Shutdown()
	fmt.Println(color.CyanString("malai daemon stopped gracefully"))
	return nil
}

func rescanAction(c *cli.Context) error {
	home := malaiHome()
	socketPath := filepath.Join(home, ctlSocketName)

	req := ctlsock.Message{Kind: ctlsock.RescanAll}
	clusterName := c.String("cluster")
	if clusterName != "" {
		req = ctlsock.Message{Kind: ctlsock.RescanCluster, Cluster: clusterName}
	}

	if _, err := ctlsock.Send(socketPath, req); err != nil {
		return fmt.Errorf("malai: rescan failed: %w", err)
	}
	fmt.Println(color.GreenString("rescan completed"))
	return nil
}

func keygenAction(c *cli.Context) error {
	role := c.String("role")
	alias := c.String("cluster")
	if alias == "" {
		return fmt.Errorf("malai: keygen requires --cluster=<alias>")
	}

	var filename string
	switch role {
	case "cluster-manager":
		filename = "cluster.private-key"
	case "machine":
		filename = "machine.private-key"
	case "":
		filename = "identity.key"
	default:
		return fmt.Errorf("malai: unknown --role %q (want cluster-manager, machine, or omit for waiting)", role)
	}

	dir := filepath.Join(malaiHome(), "clusters", alias)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("malai: failed to create %s: %w", dir, err)
	}

	path := filepath.Join(dir, filename)
	key, err := id52.ReadOrCreate(path)
	if err != nil {
		return fmt.Errorf("malai: keygen failed: %w", err)
	}
	fmt.Printf("identity for %s: %s\n", alias, key.ID52())
	fmt.Printf("key file: %s\n", path)
	return nil
}

func versionAction(c *cli.Context) error {
	fmt.Println(malaiversion.String())
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "malai"
	app.Usage = "peer-connection and stream-dispatch fabric daemon"
	app.Version = malaiversion.String()
	app.Commands = []cli.Command{
		{
			Name:  "daemon",
			Usage: "run the malai daemon",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "foreground, f", Usage: "run in the foreground (default)"},
				cli.BoolFlag{Name: "e", Usage: "print MALAI_HOME/MALAI_DAEMON_SOCK and exit"},
			},
			Action: daemonAction,
		},
		{
			Name:  "rescan",
			Usage: "ask a running daemon to rescan the cluster directory",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "cluster", Usage: "rescan only this cluster alias"},
			},
			Action: rescanAction,
		},
		{
			Name:  "keygen",
			Usage: "generate and persist an identity key for a cluster alias",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "role", Usage: "cluster-manager, machine, or omit for waiting"},
				cli.StringFlag{Name: "cluster", Usage: "cluster alias to generate the key under"},
			},
			Action: keygenAction,
		},
		{
			Name:   "version",
			Usage:  "print the daemon version",
			Action: versionAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString(err.Error()))
		os.Exit(1)
	}
}
