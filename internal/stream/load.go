package stream

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"greadersync/internal/importer"
	"greadersync/internal/models"
	"greadersync/internal/session"
	"greadersync/internal/storage"
)

// Outcome is the result of loading one page.
type Outcome int

const (
	// OutcomeMore means the page merged and another continuation is pending.
	OutcomeMore Outcome = iota
	// OutcomeDone means the stream is exhausted for this load session.
	OutcomeDone
	// OutcomeStale means the response belonged to a superseded load session
	// and was discarded without mutating any state.
	OutcomeStale
)

// LoadController pages through one container's stream for one unread-only
// predicate. Its pagination cursor is persisted as a ContainerViewState, so a
// load session survives process restarts. Two controllers for different
// containers may run concurrently; for the same (container, predicate) pair a
// fresh load session supersedes the older one via the load-date check.
type LoadController struct {
	session    *session.Session
	store      storage.Storage
	container  string
	unreadOnly bool
	pageSize   int

	mu           sync.Mutex
	continuation string
	loadDate     *time.Time
	completed    bool
}

func NewLoadController(sess *session.Session, store storage.Storage, containerID string, unreadOnly bool, pageSize int) (*LoadController, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	c := &LoadController{
		session:    sess,
		store:      store,
		container:  containerID,
		unreadOnly: unreadOnly,
		pageSize:   pageSize,
	}
	state, err := store.GetViewState(containerID, unreadOnly)
	if err != nil {
		return nil, err
	}
	if state != nil {
		c.continuation = state.Continuation
		c.loadDate = state.LoadDate
		c.completed = state.LoadCompleted
	}
	return c, nil
}

// Completed reports whether the current load session reached the end of the
// stream.
func (c *LoadController) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Refresh starts a fresh load session: the cursor rewinds and a new load date
// is stamped. Responses still in flight for the previous session will be
// discarded as stale.
func (c *LoadController) Refresh() {
	now := time.Now()
	c.mu.Lock()
	c.continuation = ""
	c.completed = false
	c.loadDate = &now
	c.mu.Unlock()
}

// LastLoadedItem is the watermark: the last item merged in the current load
// session, or nil before the first page lands.
func (c *LoadController) LastLoadedItem() (*models.Item, error) {
	c.mu.Lock()
	loadDate := c.loadDate
	c.mu.Unlock()
	if loadDate == nil {
		return nil, nil
	}
	return c.store.LastItemForLoadDate(*loadDate)
}

// LoadMore fetches and merges the next page. The whole page commits in one
// store transaction; on failure neither the watermark nor the continuation
// advances, so a retry resumes from the last committed page.
func (c *LoadController) LoadMore(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return OutcomeDone, nil
	}
	if c.loadDate == nil {
		now := time.Now()
		c.loadDate = &now
	}
	loadDate := *c.loadDate
	continuation := c.continuation
	c.mu.Unlock()

	relative, err := c.requestPath(continuation)
	if err != nil {
		return 0, err
	}

	data, err := c.session.Get(ctx, relative)
	if err != nil {
		c.recordError(loadDate, err)
		return 0, err
	}

	// A refresh may have superseded this session while the request was in
	// flight; its response must not touch the store.
	if c.stale(loadDate) {
		return OutcomeStale, nil
	}

	var subscription *models.Subscription
	if models.KindForStreamID(c.container) == models.KindSubscription {
		subscription, err = c.store.GetSubscription(c.container)
		if err != nil {
			return 0, err
		}
	}

	var page *importer.StreamPage
	err = c.store.WithTx(func(tx *storage.Tx) error {
		var importErr error
		page, importErr = importer.Items(tx, data, loadDate, subscription)
		return importErr
	})
	if err != nil {
		c.recordError(loadDate, err)
		return 0, err
	}

	c.mu.Lock()
	if c.loadDate == nil || !c.loadDate.Equal(loadDate) {
		c.mu.Unlock()
		return OutcomeStale, nil
	}
	c.continuation = page.Continuation
	c.completed = page.Continuation == ""
	state := &models.ContainerViewState{
		ContainerID:   c.container,
		UnreadOnly:    c.unreadOnly,
		Continuation:  c.continuation,
		LoadDate:      &loadDate,
		LoadCompleted: c.completed,
	}
	c.mu.Unlock()

	if err := c.store.SaveViewState(state); err != nil {
		return 0, err
	}
	if state.LoadCompleted {
		return OutcomeDone, nil
	}
	// A page with zero items but a continuation is valid; keep paging.
	return OutcomeMore, nil
}

func (c *LoadController) stale(loadDate time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadDate == nil || !c.loadDate.Equal(loadDate)
}

func (c *LoadController) requestPath(continuation string) (string, error) {
	var query []string
	if continuation != "" {
		query = append(query, "c="+continuation)
	}
	if c.unreadOnly {
		readFolder, err := c.store.FolderWithTagSuffix(models.ReadTagSuffix)
		if err != nil {
			return "", err
		}
		if readFolder != nil {
			query = append(query, "xt="+session.EscapeStreamID(readFolder.StreamID))
		}
	}
	query = append(query, "n="+strconv.Itoa(c.pageSize))
	return fmt.Sprintf("/reader/api/0/stream/contents/%s?%s",
		session.EscapeStreamID(c.container), strings.Join(query, "&")), nil
}

// recordError persists the failure on the view state without advancing the
// cursor. Stale failures are not recorded.
func (c *LoadController) recordError(loadDate time.Time, loadErr error) {
	if c.stale(loadDate) {
		return
	}
	c.mu.Lock()
	state := &models.ContainerViewState{
		ContainerID:   c.container,
		UnreadOnly:    c.unreadOnly,
		Continuation:  c.continuation,
		LoadDate:      c.loadDate,
		LoadCompleted: c.completed,
		LoadError:     loadErr.Error(),
	}
	c.mu.Unlock()
	if err := c.store.SaveViewState(state); err != nil {
		log.Printf("Warning: failed to record load error for %s: %v", c.container, err)
	}
}
