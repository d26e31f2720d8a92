// Package matrix is the delivery transport. It keeps a registry of
// direct channels and their encryption state fed by /sync, answers the
// coordinator's readiness checks from that registry, and performs the
// blocking operations (room create, join, media upload, send) against
// the homeserver with end-to-end encryption handled by the client's
// crypto helper.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mau.fi/util/dbutil"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	_ "modernc.org/sqlite"

	"mxrelay/internal/coordinator"
	rtsup "mxrelay/internal/runtime/supervisor"
	logx "mxrelay/pkg/logx"
)

// EventSink receives channel state transitions observed in sync.
// The adapter filters its own membership before forwarding.
type EventSink interface {
	OnMembershipEvent(ctx context.Context, eventID string, channel coordinator.ChannelID, subject coordinator.UserID, joined bool)
	OnSecurityEvent(ctx context.Context, eventID string, channel coordinator.ChannelID)
}

type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string // do not log
	Password    string // do not log
	DeviceName  string
	StatePath   string
	PickleKey   string // do not log

	// SendRatePerSec/SendBurst pace outgoing sends. Zero or negative
	// rate disables pacing (the client still honors server rate-limit
	// responses).
	SendRatePerSec float64
	SendBurst      int

	Notice   bool // send as m.notice so clients don't ping
	Markdown bool // render text bodies as markdown
}

type Adapter struct {
	cfg Config
	log logx.Logger

	client *mautrix.Client
	crypto *cryptohelper.CryptoHelper
	db     *sql.DB

	// Pacing and rendering knobs are hot-swappable via ApplySendSettings.
	sendMu   sync.RWMutex
	limiter  *rate.Limiter
	notice   bool
	markdown bool

	sinkMu sync.RWMutex
	sink   EventSink

	// Local room registry, kept current from sync. FindExistingChannel
	// and IsPeerPresentAndSecured answer from it without blocking.
	stateMu   sync.RWMutex
	members   map[id.RoomID]map[id.UserID]event.Membership
	encrypted map[id.RoomID]bool

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Homeserver) == "" {
		return nil, errors.New("matrix homeserver is empty")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("matrix user_id is empty")
	}
	if cfg.AccessToken == "" && cfg.Password == "" {
		return nil, errors.New("matrix needs access_token or password")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix client: %w", err)
	}
	// The state store feeds automatic event encryption; the adapter's
	// own registry below feeds the coordinator's readiness checks.
	client.StateStore = mautrix.NewMemoryStateStore()

	a := &Adapter{
		cfg:       cfg,
		log:       log,
		client:    client,
		members:   make(map[id.RoomID]map[id.UserID]event.Membership),
		encrypted: make(map[id.RoomID]bool),
	}
	a.ApplySendSettings(cfg.SendRatePerSec, cfg.SendBurst, cfg.Notice, cfg.Markdown)

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEvent(client.StateStoreSyncHandler)
	syncer.OnEventType(event.StateMember, a.onMember)
	syncer.OnEventType(event.StateEncryption, a.onEncryption)
	return a, nil
}

// ApplySendSettings swaps the outbound pacing and rendering knobs.
// Safe during live sends; everything else in Config is wired at
// construction and needs a restart. Zero or negative rate disables
// pacing.
func (a *Adapter) ApplySendSettings(ratePerSec float64, burst int, notice, markdown bool) {
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	a.sendMu.Lock()
	a.limiter = limiter
	a.notice = notice
	a.markdown = markdown
	a.sendMu.Unlock()
}

// SetSink wires the coordinator in. Must be called before Start.
func (a *Adapter) SetSink(sink EventSink) {
	a.sinkMu.Lock()
	a.sink = sink
	a.sinkMu.Unlock()
}

func (a *Adapter) getSink() EventSink {
	a.sinkMu.RLock()
	defer a.sinkMu.RUnlock()
	return a.sink
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// Start logs in (or verifies the configured token), initializes the
// crypto store, seeds the room registry, and runs the sync loop under a
// restart supervisor.
func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.runMu.Unlock()

	if err := a.initCrypto(ctx); err != nil {
		return err
	}
	if err := a.bootstrapState(ctx); err != nil {
		// Sync will rebuild the registry; start anyway.
		a.log.Warn("room state bootstrap failed", logx.Err(err))
	}

	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "matrix.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.GoRestart("sync", func(c context.Context) error {
		a.log.Info("sync started", logx.String("user", a.client.UserID.String()))
		err := a.client.SyncWithContext(c)
		a.log.Info("sync stopped")
		if c.Err() != nil {
			return context.Canceled
		}
		if err == nil {
			return errors.New("sync loop exited unexpectedly")
		}
		return err
	},
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	return nil
}

func (a *Adapter) initCrypto(ctx context.Context) error {
	statePath := a.cfg.StatePath
	if statePath == "" {
		statePath = "./mxrelay.db"
	}

	db, err := sql.Open("sqlite", statePath)
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return fmt.Errorf("state db pragma: %w", err)
		}
	}
	wrapped, err := dbutil.NewWithDB(db, "sqlite3")
	if err != nil {
		db.Close()
		return fmt.Errorf("wrap state db: %w", err)
	}

	helper, err := cryptohelper.NewCryptoHelper(a.client, []byte(a.cfg.PickleKey), wrapped)
	if err != nil {
		db.Close()
		return fmt.Errorf("crypto helper: %w", err)
	}
	if a.cfg.AccessToken == "" {
		helper.LoginAs = &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: a.cfg.UserID,
			},
			Password:                 a.cfg.Password,
			InitialDeviceDisplayName: a.cfg.DeviceName,
			StoreCredentials:         true,
		}
	}
	if err := helper.Init(ctx); err != nil {
		db.Close()
		return fmt.Errorf("crypto init: %w", err)
	}
	a.client.Crypto = helper
	a.crypto = helper
	a.db = db

	a.log.Info("matrix session ready",
		logx.String("user", a.client.UserID.String()),
		logx.String("device", a.client.DeviceID.String()),
		logx.Bool("token_set", a.cfg.AccessToken != ""),
	)
	return nil
}

// bootstrapState seeds the room registry from the server so channel
// lookups work before (and independently of) the first sync batch.
func (a *Adapter) bootstrapState(ctx context.Context) error {
	joined, err := a.client.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("joined rooms: %w", err)
	}

	for _, roomID := range joined.JoinedRooms {
		members, err := a.client.Members(ctx, roomID)
		if err != nil {
			a.log.Warn("member list fetch failed",
				logx.String("channel", roomID.String()), logx.Err(err))
			continue
		}
		a.stateMu.Lock()
		for _, evt := range members.Chunk {
			content := evt.Content.AsMember()
			if content == nil {
				continue
			}
			a.setMemberLocked(roomID, id.UserID(evt.GetStateKey()), content.Membership)
		}
		a.stateMu.Unlock()
		for _, evt := range members.Chunk {
			if content := evt.Content.AsMember(); content != nil {
				_ = a.client.StateStore.SetMembership(ctx, roomID, id.UserID(evt.GetStateKey()), content.Membership)
			}
		}

		var enc event.EncryptionEventContent
		err = a.client.StateEvent(ctx, roomID, event.StateEncryption, "", &enc)
		switch {
		case err == nil:
			a.stateMu.Lock()
			a.encrypted[roomID] = true
			a.stateMu.Unlock()
			_ = a.client.StateStore.SetEncryptionEvent(ctx, roomID, &enc)
		case errors.Is(err, mautrix.MNotFound):
			// Unencrypted room.
		default:
			a.log.Warn("encryption state fetch failed",
				logx.String("channel", roomID.String()), logx.Err(err))
		}
	}

	a.stateMu.RLock()
	rooms := len(a.members)
	a.stateMu.RUnlock()
	a.log.Info("room registry seeded", logx.Int("rooms", rooms))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	crypto := a.crypto
	a.crypto = nil
	db := a.db
	a.db = nil
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("matrix stop called but not running")
		return nil
	}
	if sup != nil {
		sup.Cancel()
	}
	a.client.StopSync()

	grace := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	if sup != nil {
		wctx, cancel := context.WithTimeout(ctx, grace)
		err := sup.Wait(wctx)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("matrix stop error", logx.Err(err))
		}
	}

	if crypto != nil {
		if err := crypto.Close(); err != nil {
			a.log.Warn("crypto store close failed", logx.Err(err))
		}
	}
	if db != nil {
		_ = db.Close()
	}
	a.log.Info("matrix stopped")
	return nil
}
