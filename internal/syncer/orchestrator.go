package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"greadersync/internal/importer"
	"greadersync/internal/models"
	"greadersync/internal/session"
	"greadersync/internal/storage"
	"greadersync/internal/stream"
	"greadersync/internal/tags"
)

// State is the orchestrator's current step. Completed is reached on both
// success and terminal failure; the error is published separately.
type State int

const (
	Idle State = iota
	Authenticating
	UpdatingUserInfo
	PushingTags
	PullingTags
	UpdatingSubscriptions
	UpdatingUnreadCounts
	UpdatingStreamPreferences
	Prefetching
	Completed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Authenticating:
		return "authenticating"
	case UpdatingUserInfo:
		return "updating-user-info"
	case PushingTags:
		return "pushing-tags"
	case PullingTags:
		return "pulling-tags"
	case UpdatingSubscriptions:
		return "updating-subscriptions"
	case UpdatingUnreadCounts:
		return "updating-unread-counts"
	case UpdatingStreamPreferences:
		return "updating-stream-preferences"
	case Prefetching:
		return "prefetching"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StepError tags a failure with the step that produced it.
type StepError struct {
	Step State
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ErrUpdateInProgress is returned when UpdateFolders is called while a sync
// is already running; the orchestrator never runs two steps concurrently.
var ErrUpdateInProgress = errors.New("folder update already in progress")

// Observer receives state transitions, in order, serialized.
type Observer func(State)

// Orchestrator sequences one full sync: authenticate if needed, then
// user-info, push-tags, pull-tags, subscriptions, unread-counts, stream
// preferences, and optionally prefetch. Each step runs exactly one command;
// the first failure short-circuits straight to Completed.
type Orchestrator struct {
	session    *session.Session
	store      storage.Storage
	reconciler *tags.Reconciler
	prefetch   bool
	pageSize   int

	mu             sync.Mutex
	state          State
	lastUpdateDate *time.Time
	lastUpdateErr  error
	observers      []Observer
	running        bool
}

func NewOrchestrator(sess *session.Session, store storage.Storage, prefetch bool, pageSize int) *Orchestrator {
	return &Orchestrator{
		session:    sess,
		store:      store,
		reconciler: tags.NewReconciler(sess, store),
		prefetch:   prefetch,
		pageSize:   pageSize,
		state:      Idle,
	}
}

// Subscribe registers an observer for state transitions.
func (o *Orchestrator) Subscribe(fn Observer) {
	o.mu.Lock()
	o.observers = append(o.observers, fn)
	o.mu.Unlock()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) LastUpdateDate() *time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastUpdateDate
}

func (o *Orchestrator) LastUpdateError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastUpdateErr
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	observers := make([]Observer, len(o.observers))
	copy(observers, o.observers)
	o.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}

// UpdateFolders runs one full sync sequence. It authenticates first only when
// no token is cached, which is what makes a 401-invalidated session recover
// on the next call.
func (o *Orchestrator) UpdateFolders(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrUpdateInProgress
	}
	o.running = true
	o.lastUpdateErr = nil
	o.mu.Unlock()

	defer func() {
		now := time.Now()
		o.mu.Lock()
		o.lastUpdateDate = &now
		o.running = false
		o.mu.Unlock()
		o.setState(Completed)
	}()

	if !o.session.Authenticated() {
		o.setState(Authenticating)
		if err := o.session.Authenticate(ctx); err != nil {
			return o.fail(Authenticating, err)
		}
	}

	steps := []struct {
		state State
		run   func(context.Context) error
	}{
		{UpdatingUserInfo, o.updateUserInfo},
		{PushingTags, o.reconciler.PushAll},
		{PullingTags, o.pullTags},
		{UpdatingSubscriptions, o.updateSubscriptions},
		{UpdatingUnreadCounts, o.updateUnreadCounts},
		{UpdatingStreamPreferences, o.updateStreamPreferences},
	}
	for _, step := range steps {
		o.setState(step.state)
		if err := step.run(ctx); err != nil {
			return o.fail(step.state, err)
		}
	}

	if o.prefetch {
		o.setState(Prefetching)
		if err := o.prefetchRoot(ctx); err != nil {
			return o.fail(Prefetching, err)
		}
	}
	return nil
}

func (o *Orchestrator) fail(step State, err error) error {
	wrapped := &StepError{Step: step, Err: err}
	o.mu.Lock()
	o.lastUpdateErr = wrapped
	o.mu.Unlock()
	return wrapped
}

func (o *Orchestrator) updateUserInfo(ctx context.Context) error {
	data, err := o.session.Get(ctx, "/reader/api/0/user-info")
	if err != nil {
		return err
	}
	return o.store.WithTx(func(tx *storage.Tx) error {
		_, err := importer.ReadFolder(tx, data)
		return err
	})
}

func (o *Orchestrator) pullTags(ctx context.Context) error {
	data, err := o.session.Get(ctx, "/reader/api/0/tag/list")
	if err != nil {
		return err
	}
	return o.store.WithTx(func(tx *storage.Tx) error {
		_, err := importer.Folders(tx, data)
		return err
	})
}

func (o *Orchestrator) updateSubscriptions(ctx context.Context) error {
	data, err := o.session.Get(ctx, "/reader/api/0/subscription/list")
	if err != nil {
		return err
	}
	return o.store.WithTx(func(tx *storage.Tx) error {
		_, err := importer.Subscriptions(tx, data)
		return err
	})
}

func (o *Orchestrator) updateUnreadCounts(ctx context.Context) error {
	data, err := o.session.Get(ctx, "/reader/api/0/unread-count?output=json")
	if err != nil {
		return err
	}
	return o.store.WithTx(func(tx *storage.Tx) error {
		_, err := importer.UnreadCounts(tx, data)
		return err
	})
}

func (o *Orchestrator) updateStreamPreferences(ctx context.Context) error {
	data, err := o.session.Get(ctx, "/reader/api/0/preference/stream/list")
	if err != nil {
		return err
	}
	return o.store.WithTx(func(tx *storage.Tx) error {
		return importer.StreamPreferences(tx, data)
	})
}

// prefetchRoot pages through the root folder's unread items until the stream
// is exhausted.
func (o *Orchestrator) prefetchRoot(ctx context.Context) error {
	root, err := o.store.FolderWithTagSuffix(models.RootTagSuffix)
	if err != nil {
		return err
	}
	if root == nil {
		// Nothing to prefetch before the first tag sync.
		return nil
	}
	controller, err := stream.NewLoadController(o.session, o.store, root.StreamID, true, o.pageSize)
	if err != nil {
		return err
	}
	controller.Refresh()
	for {
		outcome, err := controller.LoadMore(ctx)
		if err != nil {
			return err
		}
		if outcome != stream.OutcomeMore {
			return nil
		}
	}
}
