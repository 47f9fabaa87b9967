package importer

import (
	"errors"
	"testing"
	"time"

	"greadersync/internal/models"
	"greadersync/internal/storage"
)

func newTestStorage(t *testing.T) storage.Storage {
	t.Helper()
	store, err := storage.NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFolders(t *testing.T) {
	store := newTestStorage(t)

	payload := []byte(`{"tags": [
		{"id": "user/1001/state/com.google/starred", "sortid": "A0000001"},
		{"id": "user/1001/label/Tech", "sortid": "A0000002"}
	]}`)

	err := store.WithTx(func(tx *storage.Tx) error {
		folders, err := Folders(tx, payload)
		if err != nil {
			return err
		}
		if len(folders) != 2 {
			t.Errorf("Expected 2 folders, got %d", len(folders))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to import tags: %v", err)
	}

	folder, err := store.GetFolder("user/1001/label/Tech")
	if err != nil {
		t.Fatalf("Failed to load folder: %v", err)
	}
	if folder == nil {
		t.Fatal("Expected folder to exist")
	}
	if folder.SortID != int32(0xA0000002-0x100000000) {
		t.Errorf("Expected sort ID bit pattern A0000002, got %d", folder.SortID)
	}
}

func TestFolders_Idempotent(t *testing.T) {
	store := newTestStorage(t)

	payload := []byte(`{"tags": [{"id": "user/1001/label/Tech", "sortid": "0000000A"}]}`)

	for i := 0; i < 2; i++ {
		err := store.WithTx(func(tx *storage.Tx) error {
			_, err := Folders(tx, payload)
			return err
		})
		if err != nil {
			t.Fatalf("Import %d failed: %v", i, err)
		}
	}

	folders, err := store.ListFolders()
	if err != nil {
		t.Fatalf("Failed to list folders: %v", err)
	}
	if len(folders) != 1 {
		t.Errorf("Expected 1 folder after re-import, got %d", len(folders))
	}
}

func TestFolders_Errors(t *testing.T) {
	store := newTestStorage(t)

	tests := []struct {
		name    string
		payload string
	}{
		{"not an object", `[1,2,3]`},
		{"missing tags element", `{"subscriptions": []}`},
		{"element without id", `{"tags": [{"sortid": "0000000A"}]}`},
		{"missing sortid", `{"tags": [{"id": "user/1001/label/Tech"}]}`},
		{"non-hex sortid", `{"tags": [{"id": "user/1001/label/Tech", "sortid": "zzzzzzzz"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.WithTx(func(tx *storage.Tx) error {
				_, err := Folders(tx, []byte(tt.payload))
				return err
			})
			if err == nil {
				t.Errorf("Expected import error for %s", tt.name)
			}
		})
	}
}

func TestReadFolder(t *testing.T) {
	store := newTestStorage(t)

	err := store.WithTx(func(tx *storage.Tx) error {
		folder, err := ReadFolder(tx, []byte(`{"userId": "1001", "userName": "someone"}`))
		if err != nil {
			return err
		}
		if folder.StreamID != "user/1001/state/com.google/read" {
			t.Errorf("Expected read folder stream ID, got %s", folder.StreamID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to import user info: %v", err)
	}

	// The read folder is now findable by its tag suffix
	folder, err := store.FolderWithTagSuffix(models.ReadTagSuffix)
	if err != nil {
		t.Fatalf("Failed to find read folder: %v", err)
	}
	if folder == nil {
		t.Fatal("Expected read folder to be persisted")
	}

	err = store.WithTx(func(tx *storage.Tx) error {
		_, err := ReadFolder(tx, []byte(`{"userName": "someone"}`))
		return err
	})
	if err == nil {
		t.Error("Expected error for user info without userId")
	}
}

func TestSubscriptions(t *testing.T) {
	store := newTestStorage(t)

	payload := []byte(`{"subscriptions": [
		{
			"id": "feed/https://example.com/rss",
			"title": "Example Feed",
			"url": "https://example.com/rss",
			"htmlUrl": "https://example.com",
			"iconUrl": "https://example.com/favicon.ico",
			"sortid": "00000010",
			"categories": [{"id": "user/1001/label/Tech", "label": "Tech"}]
		}
	]}`)

	err := store.WithTx(func(tx *storage.Tx) error {
		subs, err := Subscriptions(tx, payload)
		if err != nil {
			return err
		}
		if len(subs) != 1 {
			t.Fatalf("Expected 1 subscription, got %d", len(subs))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to import subscriptions: %v", err)
	}

	sub, err := store.GetSubscription("feed/https://example.com/rss")
	if err != nil {
		t.Fatalf("Failed to load subscription: %v", err)
	}
	if sub == nil {
		t.Fatal("Expected subscription to exist")
	}
	if sub.Title != "Example Feed" {
		t.Errorf("Expected title 'Example Feed', got '%s'", sub.Title)
	}
	if len(sub.CategoryIDs) != 1 || sub.CategoryIDs[0] != "user/1001/label/Tech" {
		t.Errorf("Expected category [user/1001/label/Tech], got %v", sub.CategoryIDs)
	}

	// The referenced category folder was created as a side effect
	folder, err := store.GetFolder("user/1001/label/Tech")
	if err != nil {
		t.Fatalf("Failed to load category folder: %v", err)
	}
	if folder == nil {
		t.Error("Expected category folder to be created")
	}
}

func TestUnreadCounts(t *testing.T) {
	store := newTestStorage(t)

	payload := []byte(`{"max": 1000, "unreadcounts": [
		{"id": "feed/https://example.com/rss", "count": 12, "newestItemTimestampUsec": "1718451000000000"},
		{"id": "user/1001/label/Tech", "count": 30, "newestItemTimestampUsec": "1718452000000000"}
	]}`)

	err := store.WithTx(func(tx *storage.Tx) error {
		streamIDs, err := UnreadCounts(tx, payload)
		if err != nil {
			return err
		}
		if len(streamIDs) != 2 {
			t.Errorf("Expected 2 updated streams, got %d", len(streamIDs))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to import unread counts: %v", err)
	}

	sub, err := store.GetSubscription("feed/https://example.com/rss")
	if err != nil {
		t.Fatalf("Failed to load subscription: %v", err)
	}
	if sub == nil || sub.UnreadCount != 12 {
		t.Errorf("Expected subscription unread count 12, got %+v", sub)
	}
	if sub.NewestItemDate.UnixMicro() != 1718451000000000 {
		t.Errorf("Expected newest item date from usec timestamp, got %v", sub.NewestItemDate)
	}

	folder, err := store.GetFolder("user/1001/label/Tech")
	if err != nil {
		t.Fatalf("Failed to load folder: %v", err)
	}
	if folder == nil || folder.UnreadCount != 30 {
		t.Errorf("Expected folder unread count 30, got %+v", folder)
	}
}

func TestStreamPreferences(t *testing.T) {
	store := newTestStorage(t)

	// Seed containers whose sort IDs the ordering references
	err := store.WithTx(func(tx *storage.Tx) error {
		folder := &models.Folder{Container: models.Container{StreamID: "user/1001/label/Tech", SortID: 0x0000000A}}
		if err := tx.SaveFolder(folder); err != nil {
			return err
		}
		sub := &models.Subscription{Container: models.Container{StreamID: "feed/https://example.com/rss", SortID: 0x0000000B}}
		return tx.SaveSubscription(sub)
	})
	if err != nil {
		t.Fatalf("Failed to seed containers: %v", err)
	}

	// 0000000C resolves to nothing and is skipped
	payload := []byte(`{"streamprefs": {
		"user/1001/state/com.google/root": [
			{"id": "subscription-ordering", "value": "0000000B0000000C0000000A"}
		]
	}}`)

	err = store.WithTx(func(tx *storage.Tx) error {
		return StreamPreferences(tx, payload)
	})
	if err != nil {
		t.Fatalf("Failed to import stream preferences: %v", err)
	}

	root, err := store.GetFolder("user/1001/state/com.google/root")
	if err != nil {
		t.Fatalf("Failed to load root folder: %v", err)
	}
	if root == nil {
		t.Fatal("Expected root folder to be created")
	}
	expected := []string{"feed/https://example.com/rss", "user/1001/label/Tech"}
	if len(root.ChildStreamIDs) != len(expected) {
		t.Fatalf("Expected %d children, got %v", len(expected), root.ChildStreamIDs)
	}
	for i, id := range expected {
		if root.ChildStreamIDs[i] != id {
			t.Errorf("Expected child %d to be %s, got %s", i, id, root.ChildStreamIDs[i])
		}
	}
}

func TestStreamPreferences_InvalidValueLength(t *testing.T) {
	store := newTestStorage(t)

	payload := []byte(`{"streamprefs": {
		"user/1001/state/com.google/root": [
			{"id": "subscription-ordering", "value": "0000000B00"}
		]
	}}`)

	err := store.WithTx(func(tx *storage.Tx) error {
		return StreamPreferences(tx, payload)
	})
	if err == nil {
		t.Error("Expected error for ordering value not a multiple of 8")
	}
}

func TestItems_MergeNewItem(t *testing.T) {
	store := newTestStorage(t)

	loadDate := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{
		"continuation": "page2token",
		"items": [
			{
				"id": "tag:google.com,2005:reader/item/0000000000000001",
				"timestampUsec": "1718451000000000",
				"title": "First item",
				"author": "Alice",
				"categories": ["user/1001/label/Tech"],
				"summary": {"content": "Hello world"},
				"canonical": [{"href": "https://example.com/1"}],
				"origin": {"streamId": "feed/https://example.com/rss"}
			}
		]
	}`)

	var page *StreamPage
	err := store.WithTx(func(tx *storage.Tx) error {
		var importErr error
		page, importErr = Items(tx, payload, loadDate, nil)
		return importErr
	})
	if err != nil {
		t.Fatalf("Failed to import items: %v", err)
	}
	if page.Continuation != "page2token" {
		t.Errorf("Expected continuation page2token, got %s", page.Continuation)
	}
	if len(page.Items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(page.Items))
	}

	item, err := store.GetItem("tag:google.com,2005:reader/item/0000000000000001")
	if err != nil {
		t.Fatalf("Failed to load item: %v", err)
	}
	if item == nil {
		t.Fatal("Expected item to exist")
	}
	if item.Title != "First item" {
		t.Errorf("Expected title 'First item', got '%s'", item.Title)
	}
	if item.Summary != "Hello world" {
		t.Errorf("Expected summary from content field, got '%s'", item.Summary)
	}
	if item.SubscriptionID != "feed/https://example.com/rss" {
		t.Errorf("Expected subscription from origin, got '%s'", item.SubscriptionID)
	}
	if !item.LoadDate.Equal(loadDate) {
		t.Errorf("Expected load date %v, got %v", loadDate, item.LoadDate)
	}
	if item.Date.UnixMicro() != 1718451000000000 {
		t.Errorf("Expected date from timestampUsec, got %v", item.Date)
	}

	// The origin subscription and category folder were materialized
	if sub, _ := store.GetSubscription("feed/https://example.com/rss"); sub == nil {
		t.Error("Expected origin subscription to be created")
	}
	categories, err := store.ItemCategories(item.ID)
	if err != nil {
		t.Fatalf("Failed to load item categories: %v", err)
	}
	if len(categories) != 1 || categories[0] != "user/1001/label/Tech" {
		t.Errorf("Expected category assignment, got %v", categories)
	}
}

func TestItems_CategoryDiff(t *testing.T) {
	store := newTestStorage(t)

	itemID := "tag:google.com,2005:reader/item/0000000000000002"
	loadDate := time.Now()

	first := []byte(`{"items": [{
		"id": "` + itemID + `",
		"timestampUsec": "1718451000000000",
		"updated": 1718451000,
		"categories": ["user/1001/label/A", "user/1001/label/B"],
		"summary": {"content": "body"},
		"origin": {"streamId": "feed/https://example.com/rss"}
	}]}`)
	err := store.WithTx(func(tx *storage.Tx) error {
		_, err := Items(tx, first, loadDate, nil)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to import first page: %v", err)
	}

	// Same updated date but different categories: memberships must still diff
	second := []byte(`{"items": [{
		"id": "` + itemID + `",
		"timestampUsec": "1718451000000000",
		"updated": 1718451000,
		"categories": ["user/1001/label/B", "user/1001/label/C"],
		"summary": {"content": "body"},
		"origin": {"streamId": "feed/https://example.com/rss"}
	}]}`)
	err = store.WithTx(func(tx *storage.Tx) error {
		_, err := Items(tx, second, loadDate.Add(time.Minute), nil)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to import second page: %v", err)
	}

	categories, err := store.ItemCategories(itemID)
	if err != nil {
		t.Fatalf("Failed to load categories: %v", err)
	}
	if len(categories) != 2 {
		t.Fatalf("Expected 2 categories, got %v", categories)
	}
	if categories[0] != "user/1001/label/B" || categories[1] != "user/1001/label/C" {
		t.Errorf("Expected [B, C] after diff, got %v", categories)
	}
}

func TestItems_UnchangedUpdatedDateSkipsFieldMerge(t *testing.T) {
	store := newTestStorage(t)

	itemID := "tag:google.com,2005:reader/item/0000000000000003"
	firstLoad := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	secondLoad := firstLoad.Add(time.Hour)

	first := []byte(`{"items": [{
		"id": "` + itemID + `",
		"timestampUsec": "1718451000000000",
		"updated": 1718451000,
		"title": "Original title",
		"categories": [],
		"summary": {"content": "body"},
		"origin": {"streamId": "feed/https://example.com/rss"}
	}]}`)
	err := store.WithTx(func(tx *storage.Tx) error {
		_, err := Items(tx, first, firstLoad, nil)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to import first page: %v", err)
	}

	// Same updated date: the changed title is not merged, but the load date
	// advances so the watermark still covers this item.
	second := []byte(`{"items": [{
		"id": "` + itemID + `",
		"timestampUsec": "1718451000000000",
		"updated": 1718451000,
		"title": "Silently changed title",
		"categories": [],
		"summary": {"content": "body"},
		"origin": {"streamId": "feed/https://example.com/rss"}
	}]}`)
	err = store.WithTx(func(tx *storage.Tx) error {
		_, err := Items(tx, second, secondLoad, nil)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to import second page: %v", err)
	}

	item, err := store.GetItem(itemID)
	if err != nil {
		t.Fatalf("Failed to load item: %v", err)
	}
	if item.Title != "Original title" {
		t.Errorf("Expected field merge to be skipped, got title '%s'", item.Title)
	}
	if !item.LoadDate.Equal(secondLoad) {
		t.Errorf("Expected load date to advance to %v, got %v", secondLoad, item.LoadDate)
	}

	// A bumped updated date merges the fields again
	third := []byte(`{"items": [{
		"id": "` + itemID + `",
		"timestampUsec": "1718451000000000",
		"updated": 1718455000,
		"title": "Revised title",
		"categories": [],
		"summary": {"content": "revised body"},
		"origin": {"streamId": "feed/https://example.com/rss"}
	}]}`)
	err = store.WithTx(func(tx *storage.Tx) error {
		_, err := Items(tx, third, secondLoad.Add(time.Hour), nil)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to import third page: %v", err)
	}
	item, err = store.GetItem(itemID)
	if err != nil {
		t.Fatalf("Failed to load item: %v", err)
	}
	if item.Title != "Revised title" {
		t.Errorf("Expected merged title after updated bump, got '%s'", item.Title)
	}
}

func TestItems_ExplicitSubscriptionScope(t *testing.T) {
	store := newTestStorage(t)

	var sub *models.Subscription
	err := store.WithTx(func(tx *storage.Tx) error {
		var err error
		sub, err = tx.EnsureSubscription("feed/https://example.com/rss")
		return err
	})
	if err != nil {
		t.Fatalf("Failed to create subscription: %v", err)
	}

	// No origin in the payload; the explicit subscription scopes the item
	payload := []byte(`{"items": [{
		"id": "tag:google.com,2005:reader/item/0000000000000004",
		"timestampUsec": "1718451000000000",
		"categories": [],
		"summary": {"content": "body"}
	}]}`)
	err = store.WithTx(func(tx *storage.Tx) error {
		_, err := Items(tx, payload, time.Now(), sub)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to import scoped items: %v", err)
	}

	item, err := store.GetItem("tag:google.com,2005:reader/item/0000000000000004")
	if err != nil {
		t.Fatalf("Failed to load item: %v", err)
	}
	if item.SubscriptionID != "feed/https://example.com/rss" {
		t.Errorf("Expected explicit subscription scope, got '%s'", item.SubscriptionID)
	}
}

func TestItems_ElementErrors(t *testing.T) {
	store := newTestStorage(t)

	tests := []struct {
		name    string
		payload string
	}{
		{"missing categories", `{"items": [{"id": "item/1", "timestampUsec": "1718451000000000", "origin": {"streamId": "feed/a"}}]}`},
		{"missing id", `{"items": [{"timestampUsec": "1718451000000000", "categories": []}]}`},
		{"no origin for folder stream", `{"items": [{"id": "item/1", "timestampUsec": "1718451000000000", "categories": []}]}`},
		{"bad timestamp", `{"items": [{"id": "item/1", "timestampUsec": "xyz", "categories": [], "origin": {"streamId": "feed/a"}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.WithTx(func(tx *storage.Tx) error {
				_, err := Items(tx, []byte(tt.payload), time.Now(), nil)
				return err
			})
			if err == nil {
				t.Fatalf("Expected import error for %s", tt.name)
			}
			var elementErr *ElementError
			if !errors.As(err, &elementErr) {
				t.Errorf("Expected ElementError, got %T: %v", err, err)
			}
		})
	}
}

func TestItems_FailedElementRollsBackPage(t *testing.T) {
	store := newTestStorage(t)

	// Second element is broken; the first must not survive the rollback
	payload := []byte(`{"items": [
		{"id": "item/good", "timestampUsec": "1718451000000000", "categories": [], "origin": {"streamId": "feed/a"}},
		{"id": "item/bad", "timestampUsec": "1718451000000000", "origin": {"streamId": "feed/a"}}
	]}`)

	err := store.WithTx(func(tx *storage.Tx) error {
		_, err := Items(tx, payload, time.Now(), nil)
		return err
	})
	if err == nil {
		t.Fatal("Expected page import to fail")
	}

	item, err := store.GetItem("item/good")
	if err != nil {
		t.Fatalf("Failed to query item: %v", err)
	}
	if item != nil {
		t.Error("Expected the good element to be rolled back with the page")
	}
}

func TestParseSortID(t *testing.T) {
	// High-bit hex values land in negative int32 space by bit pattern
	id, err := parseSortID("FFFFFFFF")
	if err != nil {
		t.Fatalf("Failed to parse sort ID: %v", err)
	}
	if id != -1 {
		t.Errorf("Expected bit pattern -1 for FFFFFFFF, got %d", id)
	}

	id, err = parseSortID("0000000A")
	if err != nil {
		t.Fatalf("Failed to parse sort ID: %v", err)
	}
	if id != 10 {
		t.Errorf("Expected 10 for 0000000A, got %d", id)
	}

	if _, err := parseSortID("not-hex"); err == nil {
		t.Error("Expected error for non-hex sort ID")
	}
}
