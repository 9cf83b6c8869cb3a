package importer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"stripesync/internal/source"
)

func TestKindPrefersImporterKind(t *testing.T) {
	cause := fmt.Errorf("GetCustomer: %w", source.ErrNotFound)
	err := fmt.Errorf("importing: %w", NewImportError("ImportInvoice", ErrCustomerUnavailable, "cus_1", cause))

	assert.Equal(t, ErrCustomerUnavailable, Kind(err))
	assert.ErrorIs(t, err, ErrCustomerUnavailable)
	assert.ErrorIs(t, err, ErrNotFound, "the cause stays reachable")
}

func TestKindOfPlainErrors(t *testing.T) {
	assert.Equal(t, ErrProviderError, Kind(fmt.Errorf("listing: %w", source.ErrProvider)))
	assert.Nil(t, Kind(errors.New("unrelated")))
	assert.Nil(t, Kind(nil))
}
