package tags

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"greadersync/internal/models"
	"greadersync/internal/session"
	"greadersync/internal/storage"
)

// Reconciler pushes locally queued tag edits (mark read/unread, star/unstar)
// to the server. Pending sets drain only on confirmed server acknowledgment;
// retry policy belongs to the caller.
type Reconciler struct {
	session *session.Session
	store   storage.Storage
}

func NewReconciler(sess *session.Session, store storage.Storage) *Reconciler {
	return &Reconciler{session: sess, store: store}
}

// PushPending pushes the pending set for one (folder, direction) pair as a
// single batch. The batch is snapshotted first: items queued while the
// request is in flight stay pending for the next push. On failure the whole
// batch remains queued.
func (r *Reconciler) PushPending(ctx context.Context, folder *models.Folder, excluded bool) error {
	batch, err := r.store.PendingTagItems(folder.StreamID, excluded)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	command := "a"
	if excluded {
		command = "r"
	}
	args := []string{command + "=" + url.QueryEscape(folder.Tag())}
	for _, itemID := range batch {
		args = append(args, "i="+url.QueryEscape(shortID(itemID)))
	}
	relative := "/reader/api/0/edit-tag?" + strings.Join(args, "&")

	if _, err := r.session.Post(ctx, relative); err != nil {
		return err
	}
	// Remove exactly the snapshot, not the live set.
	return r.store.RemovePendingTags(folder.StreamID, excluded, batch)
}

// PushAll pushes both directions of every folder with queued edits, stopping
// at the first failure.
func (r *Reconciler) PushAll(ctx context.Context) error {
	folderIDs, err := r.store.FoldersWithPendingTags()
	if err != nil {
		return err
	}
	for _, folderID := range folderIDs {
		folder, err := r.store.GetFolder(folderID)
		if err != nil {
			return err
		}
		if folder == nil {
			folder = &models.Folder{Container: models.Container{StreamID: folderID}}
		}
		for _, excluded := range []bool{false, true} {
			if err := r.PushPending(ctx, folder, excluded); err != nil {
				return err
			}
		}
	}
	return nil
}

// MarkAllAsRead asks the server to mark a whole container read, anchored at
// its newest known item so items arriving later stay unread.
func (r *Reconciler) MarkAllAsRead(ctx context.Context, container models.Container) error {
	relative := fmt.Sprintf("/reader/api/0/mark-all-as-read?s=%s&ts=%s",
		session.EscapeStreamID(container.StreamID), models.TimestampUsec(container.NewestItemDate))
	body, err := r.session.Post(ctx, relative)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(body)) != "OK" {
		return fmt.Errorf("unexpected mark-all-as-read response: %q", string(body))
	}
	return nil
}

// SetItemRead flips the item's read state locally and queues the edit for the
// next push. The category assignment changes immediately so list filters see
// the new state without waiting for the server round trip.
func (r *Reconciler) SetItemRead(itemID string, read bool) error {
	return r.setItemTag(itemID, models.ReadTagSuffix, read)
}

// SetItemStarred flips the item's starred state locally and queues the edit.
func (r *Reconciler) SetItemStarred(itemID string, starred bool) error {
	return r.setItemTag(itemID, models.StarredTagSuffix, starred)
}

func (r *Reconciler) setItemTag(itemID, tagSuffix string, member bool) error {
	folder, err := r.store.FolderWithTagSuffix(tagSuffix)
	if err != nil {
		return err
	}
	if folder == nil {
		return fmt.Errorf("tag folder %q not synced yet", tagSuffix)
	}
	err = r.store.WithTx(func(tx *storage.Tx) error {
		if member {
			return tx.AddItemCategory(itemID, folder.StreamID)
		}
		return tx.RemoveItemCategory(itemID, folder.StreamID)
	})
	if err != nil {
		return err
	}
	return r.store.QueuePendingTag(folder.StreamID, itemID, !member)
}

// shortID extracts the short item identifier the edit-tag endpoint expects.
func shortID(itemID string) string {
	if idx := strings.LastIndex(itemID, "/"); idx != -1 {
		return itemID[idx+1:]
	}
	return itemID
}
