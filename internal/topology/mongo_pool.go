package topology

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nikmy/mongosess/internal/session"
	"github.com/nikmy/mongosess/pkg/errors"
	"github.com/nikmy/mongosess/pkg/logger"
)

// Config mirrors a typical mongo client configuration shape, generalized to
// a session pool rather than a fixed pair of collections.
type Config struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`

	Auth struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"auth"`

	Pool struct {
		MinSize uint64 `yaml:"minSize"`
		MaxSize uint64 `yaml:"maxSize"`
	} `yaml:"pool"`
}

// mongoPool is the production Pool backed by a single *mongo.Client. The
// driver's own client already pools connections and is safe for concurrent
// use; this wrapper only adds server-session bookkeeping and wire-version
// discovery on top.
type mongoPool struct {
	client *mongo.Client
	log    logger.Logger

	mu          sync.RWMutex
	wireVersion uint32

	sessionsMu sync.Mutex
	sessions   map[uuid.UUID]mongo.Session
}

// Connect dials cfg.URL and probes the primary's wire version via hello.
func Connect(ctx context.Context, cfg Config, log logger.Logger) (*mongoPool, error) {
	client, err := mongo.Connect(
		ctx,
		options.Client().
			ApplyURI(cfg.URL).
			SetTimeout(cfg.Timeout).
			SetAuth(options.Credential{
				Username: cfg.Auth.Username,
				Password: cfg.Auth.Password,
			}).
			SetMinPoolSize(cfg.Pool.MinSize).
			SetMaxPoolSize(cfg.Pool.MaxSize),
	)
	if err != nil {
		return nil, errors.WrapFail(err, "connect to mongo db")
	}

	p := &mongoPool{
		client:   client,
		log:      log.With("topology"),
		sessions: make(map[uuid.UUID]mongo.Session),
	}
	if err := p.refreshWireVersion(ctx); err != nil {
		return nil, errors.WrapFail(err, "negotiate wire version")
	}

	return p, nil
}

func (p *mongoPool) refreshWireVersion(ctx context.Context) error {
	var hello struct {
		MaxWireVersion uint32 `bson:"maxWireVersion"`
	}
	err := p.client.Database("admin").RunCommand(ctx, map[string]any{"hello": 1}).Decode(&hello)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.wireVersion = hello.MaxWireVersion
	p.mu.Unlock()
	return nil
}

// Checkout mints a fresh ServerSession and binds it to a connection handle
// usable by internal/wire.Executor: a context carrying the driver's own
// logical session, via mongo.NewSessionContext, matching
// internal/repo/internal/mongo/txn.go's session.BindContext.
func (p *mongoPool) Checkout(ctx context.Context, _ Kind) (Checkout, error) {
	driverSession, err := p.client.StartSession(options.Session())
	if err != nil {
		return Checkout{}, errors.WrapFail(err, "start driver session")
	}

	p.mu.RLock()
	wv := p.wireVersion
	p.mu.RUnlock()

	ss := session.NewServerSession()

	p.sessionsMu.Lock()
	p.sessions[ss.ID] = driverSession
	p.sessionsMu.Unlock()

	return Checkout{
		Conn:          mongo.NewSessionContext(ctx, driverSession),
		ServerSession: ss,
		WireVersion:   wv,
	}, nil
}

// Checkin ends the driver-level session matching s.ID and releases it from
// the pool's bookkeeping map.
func (p *mongoPool) Checkin(ctx context.Context, s session.ServerSession) error {
	p.sessionsMu.Lock()
	driverSession, ok := p.sessions[s.ID]
	delete(p.sessions, s.ID)
	p.sessionsMu.Unlock()

	if !ok {
		p.log.Warnf("checkin for unknown server session %s", s.ID)
		return nil
	}

	driverSession.EndSession(ctx)
	p.log.Debugf("checked in server session %s", s.ID)
	return nil
}

// Client exposes the underlying *mongo.Client so callers that need the
// wire.Executor collaborator can build one bound to the same client.
func (p *mongoPool) Client() *mongo.Client {
	return p.client
}

// Disconnect releases the underlying client.
func (p *mongoPool) Disconnect(ctx context.Context) error {
	return errors.WrapFail(p.client.Disconnect(ctx), "disconnect mongo client")
}
