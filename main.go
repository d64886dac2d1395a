// printd is a fingerprint scanner brokering daemon: it publishes one
// session object per plugged-in scanner on the system bus and
// arbitrates exclusive access to them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"printd/authz"
	"printd/config"
	"printd/device"
	"printd/hardware"
	"printd/hardware/virtual"
	"printd/manager"
	"printd/storage"
)

const version = "1.0.0"

var (
	configPath  = flag.String("config", "", "path to the configuration file (defaults to "+config.DefaultPath+")")
	storagePath = flag.String("storage", "", "override the fingerprint template storage directory")
	noTimeout   = flag.Bool("no-timeout", false, "never exit on inactivity")
	virtualDev  = flag.Bool("virtual", false, "publish a virtual scanner that matches every scan")
	debug       = flag.Bool("debug", false, "enable debug logging")
	versionFlag = flag.Bool("version", false, "print version information")
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Println("printd", version)
		return
	}

	if err := config.Load(*configPath); err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	cfg := config.Get()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	store := storage.NewFileStore(firstOf(*storagePath, cfg.StoragePath))

	conn, err := dbus.SystemBus()
	if err != nil {
		log.WithError(err).Fatal("failed to connect to the system bus")
	}
	defer conn.Close()

	watcher, err := device.NewBusWatcher(conn)
	if err != nil {
		log.WithError(err).Fatal("failed to watch bus names")
	}

	idleTimeout := time.Duration(cfg.IdleTimeoutSeconds) * time.Second
	if *noTimeout {
		idleTimeout = 0
	}

	m := manager.New(manager.Config{
		Store:       store,
		Gate:        authz.NewPolkit(conn),
		Publisher:   manager.NewBusPublisher(conn),
		Watcher:     watcher,
		Peer:        device.NewBusPeer(conn),
		Clock:       clockwork.NewRealClock(),
		IdleTimeout: idleTimeout,
		OnIdle: func() {
			log.Info("no devices in use, exiting")
			os.Exit(0)
		},
	})

	if err := m.Export(conn); err != nil {
		log.WithError(err).Fatal("failed to export the manager object")
	}

	reply, err := conn.RequestName(manager.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		log.WithError(err).Fatal("failed to request the bus name")
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		log.Fatal("another fingerprint daemon owns the bus name")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithField("version", version).Info("printd started")

	if err := m.Run(ctx, newHardwareContext(*virtualDev)); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("device registry stopped")
	}
	log.Info("printd shutting down")
}

// newHardwareContext builds the scanner hotplug source. Scanner
// backends are compiled in; the virtual one stands in for real
// hardware in development and CI.
func newHardwareContext(withVirtual bool) hardware.Context {
	if withVirtual {
		return virtual.NewContext(virtual.NewDevice(virtual.Options{
			Name: "Virtual Scanner",
			Auto: true,
		}))
	}
	return virtual.NewContext()
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
