package memory

import (
	"testing"

	"eventlake/internal/catalog"
	"eventlake/internal/catalog/storetest"
)

func TestConformance(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) catalog.Store {
		return NewStore()
	})
}
