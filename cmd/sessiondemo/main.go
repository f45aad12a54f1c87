package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/nikmy/mongosess/internal/cmd"
	"github.com/nikmy/mongosess/internal/session"
	"github.com/nikmy/mongosess/internal/sessionmgr"
	"github.com/nikmy/mongosess/internal/topology"
	"github.com/nikmy/mongosess/internal/wire"
	"github.com/nikmy/mongosess/pkg/errors"
	"github.com/nikmy/mongosess/pkg/logger"
)

// main is a composition root: it wires a real topology.Pool and
// session.Executor against a live mongod, runs one transaction through the
// Session Manager facade, and exits. It exists to prove every layer of the
// session core composes against the real driver, the way cmd/meowbot wires
// its repo layer into its bot layer.
func main() {
	cfg, err := loadConfig()
	if err != nil {
		stdlog.Fatal(errors.WrapFail(err, "load config"))
	}

	log, err := logger.New(cfg.Environment)
	if err != nil {
		stdlog.Fatal(errors.WrapFail(err, "init logger"))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := topology.Connect(ctx, cfg.Mongo, log)
	if err != nil {
		log.Panic(errors.WrapFail(err, "connect to topology"))
	}
	defer func() {
		if derr := pool.Disconnect(context.Background()); derr != nil {
			log.Error(errors.WrapFail(derr, "disconnect from topology"))
		}
	}()

	exec := wire.New(pool.Client())
	manager := sessionmgr.New(exec, log)

	result, err := manager.WithTransaction(ctx, pool, runDemo, sessionmgr.Options{
		CausalConsistency: true,
	})
	if err != nil {
		log.Panic(errors.WrapFail(err, "run demo transaction"))
	}

	log.Infof("demo transaction finished: %v", result)
}

func runDemo(ctx context.Context, s *session.Machine) (any, error) {
	insert := cmd.New(
		bson.E{Key: "insert", Value: "sessiondemo"},
		bson.E{Key: "documents", Value: bson.A{bson.D{{Key: "hello", Value: "world"}}}},
	)

	bound, err := s.BindSession(ctx, insert)
	if err != nil {
		return nil, errors.WrapFail(err, "bind session to insert command")
	}

	return bound.Cmd, nil
}
