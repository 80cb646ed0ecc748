package boards

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lherron/boardtasks/internal/db"
	"github.com/lherron/boardtasks/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codes(listings []Listing) []string {
	out := make([]string, 0, len(listings))
	for _, l := range listings {
		out = append(out, l.Code)
	}
	return out
}

func seedBoards(t *testing.T) *db.DB {
	t.Helper()
	store := testutil.NewStore(t, filepath.Join(t.TempDir(), "boards.sqlite"), db.SchemaBoards)
	_, err := Import(context.Background(), store, []Board{
		{Code: "1-1", Address: "本町1", Lat: coord(35.50), Lon: coord(139.50)},
		{Code: "1-2", Address: "本町2", Lat: coord(35.60), Lon: coord(139.60)},
		{Code: "2-1", Address: "駅前", Lat: coord(36.00), Lon: coord(140.00)},
		{Code: "3-1", Address: "未測量"},
	})
	require.NoError(t, err)
	return store
}

func TestQueryWithoutTaskStore(t *testing.T) {
	store := seedBoards(t)
	missing := filepath.Join(t.TempDir(), "tasks.sqlite")

	all, err := Query(context.Background(), store, missing, "", Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"1-1", "1-2", "2-1", "3-1"}, codes(all))
	for _, l := range all {
		assert.Equal(t, "pending", l.Status)
		assert.Empty(t, l.UpdatedByLineID)
	}
	assert.NoFileExists(t, missing, "a missing task store must not be created")

	limited, err := Query(context.Background(), store, "", "", Filter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"1-1", "1-2"}, codes(limited))
}

func TestQueryBBox(t *testing.T) {
	store := seedBoards(t)

	got, err := Query(context.Background(), store, "", "", Filter{
		BBox: &BBox{MinLat: 35.4, MinLon: 139.4, MaxLat: 35.6, MaxLon: 139.6},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1-1", "1-2"}, codes(got), "edges are inclusive, boards without coordinates excluded")

	_, err = Query(context.Background(), store, "", "", Filter{BBox: &BBox{MinLat: 36, MaxLat: 35}})
	assert.Error(t, err)
}

func TestQueryJoinsTaskStatusAndSharedUsers(t *testing.T) {
	store := seedBoards(t)
	l := testutil.TempLayout(t)
	shared := testutil.SharedStore(t, l, "u1")
	var u1 int64
	require.NoError(t, shared.Get(&u1, "SELECT id FROM users WHERE line_user_id = 'u1'"))

	tasks := testutil.NewStore(t, l.TenantStore("alpha"), db.SchemaTasks)
	_, err := tasks.Exec(`
		INSERT INTO task_status (board_code, status, updated_by, last_comment) VALUES ('1-2', 'done', ?, '貼付済');
		INSERT INTO task_status (board_code, status, updated_by) VALUES ('2-1', 'issue', 999);
	`, u1)
	require.NoError(t, err)

	got, err := Query(context.Background(), store, l.TenantStore("alpha"), l.SharedStore(), Filter{})
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, "pending", got[0].Status)
	assert.Equal(t, "done", got[1].Status)
	assert.Equal(t, "u1", got[1].UpdatedByLineID)
	assert.True(t, got[1].HasComment)
	assert.Equal(t, "issue", got[2].Status)
	assert.Empty(t, got[2].UpdatedByLineID, "unknown actors have no line id")
	assert.False(t, got[2].HasComment)
}
