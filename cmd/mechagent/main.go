package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/man-navlakha/mechanic-agent/internal/api"
	"github.com/man-navlakha/mechanic-agent/internal/cache"
	"github.com/man-navlakha/mechanic-agent/internal/config"
	"github.com/man-navlakha/mechanic-agent/internal/delivery"
	"github.com/man-navlakha/mechanic-agent/internal/lifecycle"
	"github.com/man-navlakha/mechanic-agent/internal/logging"
	"github.com/man-navlakha/mechanic-agent/internal/offer"
	"github.com/man-navlakha/mechanic-agent/internal/protocol"
	"github.com/man-navlakha/mechanic-agent/internal/status"
	"github.com/man-navlakha/mechanic-agent/internal/supervisor"
)

// sendFunc adapts a closure to delivery.SocketSender so the deliverer can be
// built before the supervisor that backs it.
type sendFunc func(v interface{}) error

func (f sendFunc) Send(v interface{}) error { return f(v) }

// consoleNotifier is the presentation boundary for a terminal session.
type consoleNotifier struct{}

func (consoleNotifier) OfferReceived(o protocol.JobOffer) {
	fmt.Printf("\n*** new job offer %s ***\n", o.ID)
	fmt.Printf("    vehicle:  %s\n", o.VehicleType)
	fmt.Printf("    problem:  %s\n", o.Problem)
	fmt.Printf("    location: %s\n", o.LocationRef)
	fmt.Println("    accept or reject within 30 seconds")
}

func (consoleNotifier) OfferClosed(jobID string) {
	fmt.Printf("offer %s is no longer available\n", jobID)
}

func (consoleNotifier) OfferCancelledByDispatch(jobID, message string) {
	if message == "" {
		message = "cancelled by dispatch"
	}
	fmt.Printf("job %s: %s\n", jobID, message)
}

func (consoleNotifier) JobStarted(o protocol.JobOffer) {
	fmt.Printf("job %s accepted, you are now WORKING\n", o.ID)
}

func (consoleNotifier) AcceptFailed(jobID string, err error) {
	fmt.Printf("could not accept job %s (%v), offer is still open\n", jobID, err)
}

func (consoleNotifier) NavigateToLogin() {
	fmt.Println("session expired: run `mechagent` again with a fresh MECHAGENT_TOKEN")
}

func (consoleNotifier) Notice(msg string) {
	fmt.Println(msg)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mechagent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	authToken := os.Getenv("MECHAGENT_TOKEN")
	if authToken == "" {
		return errors.New("MECHAGENT_TOKEN is not set")
	}

	logger, err := logging.New(config.LogPath())
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer logger.Close()

	jobCache, err := cache.Open(config.DBPath())
	if err != nil {
		return fmt.Errorf("opening job cache: %w", err)
	}
	defer jobCache.Close()

	apiClient := api.New(config.APIBaseURL(), authToken)
	store := status.New()
	notifier := consoleNotifier{}

	// The deliverer, machine, supervisor, and synchronizer form a cycle on
	// purpose: frames flow down from the socket to the machine, decisions flow
	// back up through the deliverer. The closures below break the cycle at
	// construction time; nothing is invoked before Init.
	var (
		sup    *supervisor.Supervisor
		syncer *lifecycle.Synchronizer
	)

	deliverer := delivery.New(sendFunc(func(v interface{}) error {
		return sup.Send(v)
	}), apiClient, logger)

	machine := offer.New(offer.Options{
		API:      apiClient,
		Deliver:  deliverer,
		Cache:    jobCache,
		Status:   store,
		Notifier: notifier,
		Logger:   logger,
		OnAccepted: func(o protocol.JobOffer) {
			syncer.JobStarted(o)
		},
		OnJobFinished: func() {
			syncer.JobFinished()
		},
	})

	sup = supervisor.New(supervisor.Options{
		WSBaseURL: config.WSBaseURL(),
		Tokens:    apiClient,
		Handler:   machine,
		IntendedOnline: func() bool {
			return syncer.IntendedOnline()
		},
		OnConnected: func() {
			syncer.Reconnected()
		},
		Logger: logger,
	})

	syncer = lifecycle.New(lifecycle.Options{
		API:      apiClient,
		Status:   store,
		Cache:    jobCache,
		Conns:    sup,
		Notifier: notifier,
		Logger:   logger,
		Resume:   machine.Resume,
	})
	apiClient.SetUnauthorizedHandler(syncer.Unauthorized)

	ctx := context.Background()
	if err := syncer.Init(ctx); err != nil {
		return fmt.Errorf("startup sync: %w", err)
	}
	ws := store.Get()
	fmt.Printf("mechagent ready (status %s, verified %v)\n", ws.Status, ws.Verified)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down")
		sup.Disconnect()
		os.Exit(0)
	}()

	repl(ctx, machine, syncer, store, logger)
	sup.Disconnect()
	return nil
}

func repl(ctx context.Context, machine *offer.Machine, syncer *lifecycle.Synchronizer, store *status.Store, logger *logging.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: online, offline, accept, reject [reason], complete, cancel [reason], hide, show, status, quit")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, rest := fields[0], strings.Join(fields[1:], " ")

		var err error
		switch cmd {
		case "online":
			err = syncer.Toggle(ctx, true)
		case "offline":
			err = syncer.Toggle(ctx, false)
		case "accept":
			err = machine.Accept(ctx)
		case "reject":
			err = machine.Reject(ctx, rest)
		case "complete":
			err = machine.Complete(ctx)
		case "cancel":
			err = machine.CancelJob(ctx, rest)
		case "hide":
			syncer.VisibilityHidden()
		case "show":
			syncer.VisibilityVisible(ctx)
		case "status":
			ws := store.Get()
			fmt.Printf("status %s, verified %v, intended online %v, machine %s\n",
				ws.Status, ws.Verified, syncer.IntendedOnline(), machine.State())
		case "quit", "exit":
			return
		default:
			fmt.Printf("unknown command: %s\n", cmd)
			continue
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
			logger.Errorf("%s: %v", cmd, err)
		}
	}
}
