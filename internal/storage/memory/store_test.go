package memory

import (
	"testing"

	"github.com/kelworks/keld/internal/storage"
	"github.com/kelworks/keld/internal/storage/storetest"
)

func TestEventStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.EventStore {
		return New()
	})
}
