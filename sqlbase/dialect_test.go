package sqlbase

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	query := "UPDATE durable_callbacks SET state = ? WHERE callback_id = ? AND state = 'pending'"

	require.Equal(t, query, Dialect{Name: "sqlite"}.Rebind(query))
	require.Equal(t,
		"UPDATE durable_callbacks SET state = $1 WHERE callback_id = $2 AND state = 'pending'",
		Dialect{Name: "postgres", NumberedPlaceholders: true}.Rebind(query))
}
