package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type row struct{ id string }

func TestTrimReportsNextPage(t *testing.T) {
	rows := []*row{{"5"}, {"4"}, {"3"}}

	page, info := Trim(rows, 2, func(r *row) string {
		token, err := EncodeCursor(Cursor{ID: r.id})
		require.NoError(t, err)
		return token
	})

	require.Len(t, page, 2)
	require.True(t, info.HasMore)

	cursor, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	require.Equal(t, "4", cursor.ID)
}

func TestTrimLastPage(t *testing.T) {
	rows := []*row{{"2"}}
	page, info := Trim(rows, 2, func(r *row) string { return r.id })
	require.Len(t, page, 1)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextPageToken)
}
