package units

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
)

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

func TestScanUnitMapsNoRowsToNotFound(t *testing.T) {
	_, err := scanUnit(errRow{err: pgx.ErrNoRows})
	require.ErrorIs(t, err, shared.ErrNotFound)

	driverErr := errors.New("broken pipe")
	_, err = scanUnit(errRow{err: driverErr})
	require.ErrorIs(t, err, driverErr)
}
