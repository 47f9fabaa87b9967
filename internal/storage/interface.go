package storage

import (
	"time"

	"greadersync/internal/models"
)

// Storage is the entity store the sync pipeline mutates and the API reads.
// All writes happen under a single-writer discipline; page imports run inside
// WithTx so a failed page commits nothing.
type Storage interface {
	// Containers
	GetFolder(streamID string) (*models.Folder, error)
	GetSubscription(streamID string) (*models.Subscription, error)
	ListFolders() ([]*models.Folder, error)
	ListSubscriptions() ([]*models.Subscription, error)
	FolderWithTagSuffix(suffix string) (*models.Folder, error)

	// Items
	GetItem(id string) (*models.Item, error)
	QueryItems(containerID string, query *models.ItemsQuery) ([]*models.Item, error)
	ItemCategories(itemID string) ([]string, error)
	LastItemForLoadDate(loadDate time.Time) (*models.Item, error)

	// View states
	GetViewState(containerID string, unreadOnly bool) (*models.ContainerViewState, error)
	SaveViewState(state *models.ContainerViewState) error

	// Pending tag sets
	PendingTagItems(folderID string, excluded bool) ([]string, error)
	QueuePendingTag(folderID, itemID string, excluded bool) error
	RemovePendingTags(folderID string, excluded bool, itemIDs []string) error
	FoldersWithPendingTags() ([]string, error)

	// WithTx runs fn inside one transaction; any error rolls the whole
	// transaction back. The importer uses this as its page boundary.
	WithTx(fn func(tx *Tx) error) error

	Close() error
}
