package importer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"greadersync/internal/models"
	"greadersync/internal/storage"
)

var (
	// ErrMissingIdentifier is reported when a collection element has no id.
	ErrMissingIdentifier = errors.New("element is missing identifier")
	// ErrNotObject is reported when a payload is not a JSON object.
	ErrNotObject = errors.New("json payload is not an object")
)

// MissingElementError is reported when the expected array is absent from the
// payload envelope.
type MissingElementError struct {
	Name string
}

func (e *MissingElementError) Error() string {
	return fmt.Sprintf("element %q not found or invalid in payload", e.Name)
}

// ElementError wraps a failure of one collection element, keeping the index
// and identifier of the offender. The whole page fails with it; no partial
// page is ever committed.
type ElementError struct {
	Index int
	ID    string
	Err   error
}

func (e *ElementError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("import of element %d (%s) failed: %v", e.Index, e.ID, e.Err)
	}
	return fmt.Sprintf("import of element %d failed: %v", e.Index, e.Err)
}

func (e *ElementError) Unwrap() error { return e.Err }

// collection decodes the payload envelope and extracts the named array.
func collection(data []byte, elementName string) ([]json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	raw, ok := envelope[elementName]
	if !ok {
		return nil, &MissingElementError{Name: elementName}
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, &MissingElementError{Name: elementName}
	}
	return elements, nil
}

// importCollection walks a collection, extracting each element's id and
// delegating to merge. A merge failure aborts the import with the element's
// position; the caller's transaction rolls the page back.
func importCollection(elements []json.RawMessage, merge func(index int, id string, raw json.RawMessage) error) error {
	for i, raw := range elements {
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return &ElementError{Index: i, Err: err}
		}
		if head.ID == "" {
			return &ElementError{Index: i, Err: ErrMissingIdentifier}
		}
		if err := merge(i, head.ID, raw); err != nil {
			return &ElementError{Index: i, ID: head.ID, Err: err}
		}
	}
	return nil
}

// parseSortID parses the hex-encoded ordering field carried by tags and
// subscriptions.
func parseSortID(s string) (int32, error) {
	u, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("sort id %q is not hex: %v", s, err)
	}
	return int32(u), nil
}

// Folders imports a tag/list payload, upserting one folder per tag.
func Folders(tx *storage.Tx, data []byte) ([]*models.Folder, error) {
	elements, err := collection(data, "tags")
	if err != nil {
		return nil, err
	}
	var folders []*models.Folder
	err = importCollection(elements, func(index int, id string, raw json.RawMessage) error {
		var payload struct {
			SortID *string `json:"sortid"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return err
		}
		if payload.SortID == nil {
			return fmt.Errorf("tag %s is missing sortid", id)
		}
		sortID, err := parseSortID(*payload.SortID)
		if err != nil {
			return err
		}
		folder, err := tx.EnsureFolder(id)
		if err != nil {
			return err
		}
		folder.SortID = sortID
		if err := tx.SaveFolder(folder); err != nil {
			return err
		}
		folders = append(folders, folder)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}

// ReadFolder imports a user-info payload and materializes the user's read
// folder from the user ID.
func ReadFolder(tx *storage.Tx, data []byte) (*models.Folder, error) {
	var payload struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if payload.UserID == "" {
		return nil, &MissingElementError{Name: "userId"}
	}
	streamID := fmt.Sprintf("user/%s/%s", payload.UserID, models.ReadTagSuffix)
	return tx.EnsureFolder(streamID)
}

// Subscriptions imports a subscription/list payload.
func Subscriptions(tx *storage.Tx, data []byte) ([]*models.Subscription, error) {
	elements, err := collection(data, "subscriptions")
	if err != nil {
		return nil, err
	}
	var subs []*models.Subscription
	err = importCollection(elements, func(index int, id string, raw json.RawMessage) error {
		var payload struct {
			Title      string  `json:"title"`
			URL        string  `json:"url"`
			HTMLURL    string  `json:"htmlUrl"`
			IconURL    string  `json:"iconUrl"`
			SortID     *string `json:"sortid"`
			Categories []struct {
				ID string `json:"id"`
			} `json:"categories"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return err
		}
		sub, err := tx.EnsureSubscription(id)
		if err != nil {
			return err
		}
		if payload.SortID != nil {
			sortID, err := parseSortID(*payload.SortID)
			if err != nil {
				return err
			}
			sub.SortID = sortID
		}
		sub.Title = payload.Title
		sub.URL = payload.URL
		sub.HTMLURL = payload.HTMLURL
		sub.IconURL = payload.IconURL
		sub.CategoryIDs = sub.CategoryIDs[:0]
		for _, category := range payload.Categories {
			if category.ID == "" {
				return fmt.Errorf("subscription %s has category without id", id)
			}
			if _, err := tx.EnsureFolder(category.ID); err != nil {
				return err
			}
			sub.CategoryIDs = append(sub.CategoryIDs, category.ID)
		}
		if err := tx.SaveSubscription(sub); err != nil {
			return err
		}
		subs = append(subs, sub)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// UnreadCounts imports an unread-count payload, updating counts and newest
// item dates of whichever containers the records denote.
func UnreadCounts(tx *storage.Tx, data []byte) ([]string, error) {
	elements, err := collection(data, "unreadcounts")
	if err != nil {
		return nil, err
	}
	var streamIDs []string
	err = importCollection(elements, func(index int, id string, raw json.RawMessage) error {
		var payload struct {
			Count                   int64  `json:"count"`
			NewestItemTimestampUsec string `json:"newestItemTimestampUsec"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return err
		}
		newest := time.Time{}
		if payload.NewestItemTimestampUsec != "" {
			var err error
			newest, err = models.TimeFromUsec(payload.NewestItemTimestampUsec)
			if err != nil {
				return err
			}
		}
		if err := tx.UpdateContainerCounts(id, payload.Count, newest); err != nil {
			return err
		}
		streamIDs = append(streamIDs, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return streamIDs, nil
}

const subscriptionOrderingPrefID = "subscription-ordering"

// StreamPreferences imports a preference/stream/list payload. Only the
// subscription-ordering preference is interpreted: its value is a run of
// 8-hex-digit sort IDs defining the folder's ordered children.
func StreamPreferences(tx *storage.Tx, data []byte) error {
	var envelope struct {
		StreamPrefs map[string][]struct {
			ID    string  `json:"id"`
			Value *string `json:"value"`
		} `json:"streamprefs"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if envelope.StreamPrefs == nil {
		return &MissingElementError{Name: "streamprefs"}
	}
	for folderID, prefs := range envelope.StreamPrefs {
		for _, pref := range prefs {
			if pref.ID == "" {
				return &MissingElementError{Name: "id"}
			}
			if pref.ID != subscriptionOrderingPrefID {
				continue
			}
			if pref.Value == nil {
				return fmt.Errorf("preference %s of %s is missing value", pref.ID, folderID)
			}
			value := *pref.Value
			if len(value)%8 != 0 {
				return fmt.Errorf("subscription ordering value length %d is not a multiple of 8", len(value))
			}
			sortIDs := make([]int32, 0, len(value)/8)
			for i := 0; i < len(value); i += 8 {
				sortID, err := parseSortID(value[i : i+8])
				if err != nil {
					return err
				}
				sortIDs = append(sortIDs, sortID)
			}
			folder, err := tx.EnsureFolder(folderID)
			if err != nil {
				return err
			}
			byID, err := tx.ContainersBySortIDs(sortIDs)
			if err != nil {
				return err
			}
			children := make([]string, 0, len(sortIDs))
			for _, sortID := range sortIDs {
				streamID, ok := byID[sortID]
				if !ok {
					// Ordering may reference containers not yet synced.
					continue
				}
				children = append(children, streamID)
			}
			folder.ChildStreamIDs = children
			if err := tx.SaveFolder(folder); err != nil {
				return err
			}
		}
	}
	return nil
}

// StreamPage is the outcome of importing one stream/contents page.
type StreamPage struct {
	Items        []*models.Item
	Continuation string
}

// Items imports one stream/contents page. The returned item order is the
// server's return order, which is authoritative for the caller's watermark.
// subscription scopes every item to a known feed; when nil (folder streams),
// each item's owning subscription is inferred from its origin.
func Items(tx *storage.Tx, data []byte, loadDate time.Time, subscription *models.Subscription) (*StreamPage, error) {
	var envelope struct {
		Continuation string `json:"continuation"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	elements, err := collection(data, "items")
	if err != nil {
		return nil, err
	}

	page := &StreamPage{Continuation: envelope.Continuation}
	err = importCollection(elements, func(index int, id string, raw json.RawMessage) error {
		item, err := mergeItem(tx, id, raw, loadDate, subscription)
		if err != nil {
			return err
		}
		page.Items = append(page.Items, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

type itemPayload struct {
	TimestampUsec string   `json:"timestampUsec"`
	Updated       *int64   `json:"updated"`
	Title         string   `json:"title"`
	Author        string   `json:"author"`
	Categories    []string `json:"categories"`
	Summary       struct {
		Content string `json:"content"`
	} `json:"summary"`
	Canonical []models.Link `json:"canonical"`
	Origin    struct {
		StreamID string `json:"streamId"`
	} `json:"origin"`
}

func mergeItem(tx *storage.Tx, id string, raw json.RawMessage, loadDate time.Time, subscription *models.Subscription) (*models.Item, error) {
	var payload itemPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if payload.Categories == nil {
		return nil, fmt.Errorf("item %s has missing or invalid categories", id)
	}

	item, err := tx.GetItem(id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		item = &models.Item{ID: id}
	}

	// Category changes are not reflected in the update date, so diff them
	// before the update-date short circuit.
	if !equalStrings(item.CategoryIDs, payload.Categories) {
		for _, categoryID := range payload.Categories {
			if _, err := tx.EnsureFolder(categoryID); err != nil {
				return nil, err
			}
		}
		if err := tx.SetItemCategories(id, payload.Categories); err != nil {
			return nil, err
		}
		item.CategoryIDs = payload.Categories
	}

	var updatedDate *time.Time
	if payload.Updated != nil {
		t := time.Unix(*payload.Updated, 0)
		updatedDate = &t
	}
	unchanged := updatedDate != nil && item.UpdatedDate != nil && updatedDate.Equal(*item.UpdatedDate)

	item.LoadDate = loadDate
	if !unchanged {
		date, err := models.TimeFromUsec(payload.TimestampUsec)
		if err != nil {
			return nil, err
		}
		subscriptionID := payload.Origin.StreamID
		if subscription != nil {
			subscriptionID = subscription.StreamID
		} else {
			if subscriptionID == "" {
				return nil, fmt.Errorf("item %s has no origin stream", id)
			}
			if _, err := tx.EnsureSubscription(subscriptionID); err != nil {
				return nil, err
			}
		}
		item.UpdatedDate = updatedDate
		item.Date = date
		item.Title = payload.Title
		item.Author = payload.Author
		item.Summary = payload.Summary.Content
		item.Canonical = payload.Canonical
		item.SubscriptionID = subscriptionID
	}
	if err := tx.SaveItem(item); err != nil {
		return nil, err
	}
	return item, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
