package store

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/lherron/boardtasks/internal/db"
	"github.com/lherron/boardtasks/internal/testutil"
)

// setupTestStore creates a tenant store and a shared users store holding
// the given line user ids.
func setupTestStore(t *testing.T, lineUserIDs ...string) *Store {
	t.Helper()
	l := testutil.TempLayout(t)
	testutil.SharedStore(t, l, lineUserIDs...)
	tenant := testutil.NewStore(t, l.TenantStore("kawasaki"), db.SchemaTasks)
	return New(tenant, l.SharedStore())
}

func TestTaskStore_SetStatus(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, "U-alice")

	status, err := s.Tasks.SetStatus(ctx, SetStatusParams{
		BoardCode:  "12-3",
		Status:     StatusInProgress,
		LineUserID: "U-alice",
		Note:       "  ポスター掲示中  ",
	})
	if err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if status.Status != StatusInProgress {
		t.Errorf("expected status in_progress, got %s", status.Status)
	}
	if status.UpdatedByLineID.String != "U-alice" {
		t.Errorf("expected updater U-alice, got %q", status.UpdatedByLineID.String)
	}
	if status.LastComment.String != "ポスター掲示中" {
		t.Errorf("expected trimmed comment, got %q", status.LastComment.String)
	}

	if _, err := s.Tasks.SetStatus(ctx, SetStatusParams{BoardCode: "12-3", Status: StatusDone, LineUserID: "U-alice"}); err != nil {
		t.Fatalf("second SetStatus failed: %v", err)
	}

	_, history, err := s.Tasks.Get(ctx, "12-3", 0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	// newest first
	if history[0].OldStatus.String != StatusInProgress || history[0].NewStatus.String != StatusDone {
		t.Errorf("unexpected latest transition %s -> %s", history[0].OldStatus.String, history[0].NewStatus.String)
	}
	if history[1].OldStatus.String != StatusPending {
		t.Errorf("expected first transition from pending, got %s", history[1].OldStatus.String)
	}
	if history[0].UserName.String != "seed-U-alice" {
		t.Errorf("expected actor name from shared store, got %q", history[0].UserName.String)
	}
}

func TestTaskStore_SetStatusValidation(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, "U-alice")

	_, err := s.Tasks.SetStatus(ctx, SetStatusParams{BoardCode: "1", Status: "finished", LineUserID: "U-alice"})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}

	_, err = s.Tasks.SetStatus(ctx, SetStatusParams{BoardCode: "1", Status: StatusDone, LineUserID: "U-nobody"})
	if !errors.Is(err, ErrUnknownUser) {
		t.Errorf("expected ErrUnknownUser, got %v", err)
	}

	_, err = s.Tasks.SetStatus(ctx, SetStatusParams{BoardCode: "  ", Status: StatusDone, LineUserID: "U-alice"})
	if err == nil {
		t.Error("expected error for empty board code")
	}

	totals, err := s.Tasks.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if totals != (Totals{}) {
		t.Errorf("rejected changes must not write, got %+v", totals)
	}
}

func TestTaskStore_Totals(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, "U-alice", "U-bob")

	changes := []SetStatusParams{
		{BoardCode: "A", Status: StatusDone, LineUserID: "U-alice"},
		{BoardCode: "B", Status: StatusDone, LineUserID: "U-bob"},
		{BoardCode: "C", Status: StatusIssue, LineUserID: "U-alice"},
		{BoardCode: "D", Status: StatusInProgress, LineUserID: "U-bob"},
	}
	for _, c := range changes {
		if _, err := s.Tasks.SetStatus(ctx, c); err != nil {
			t.Fatalf("SetStatus %s failed: %v", c.BoardCode, err)
		}
	}
	if _, err := s.DB().Exec("INSERT INTO task_status (board_code, status) VALUES ('E', 'archived')"); err != nil {
		t.Fatal(err)
	}

	totals, err := s.Tasks.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	want := Totals{Done: 2, Issue: 1, InProgress: 1, Other: 1}
	if totals != want {
		t.Errorf("Totals = %+v, want %+v", totals, want)
	}

	mine, err := s.Tasks.Mine(ctx, "U-alice")
	if err != nil {
		t.Fatalf("Mine failed: %v", err)
	}
	if want := (Totals{Done: 1, Issue: 1}); mine != want {
		t.Errorf("Mine = %+v, want %+v", mine, want)
	}
}

func TestTaskStore_GetUnknownBoard(t *testing.T) {
	s := setupTestStore(t)

	status, history, err := s.Tasks.Get(context.Background(), "nowhere", 10)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if status.Status != StatusPending || status.UpdatedBy.Valid {
		t.Errorf("expected unassigned pending status, got %+v", status)
	}
	if len(history) != 0 {
		t.Errorf("expected no history, got %d", len(history))
	}
}

func TestTaskStore_AddComment(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, "U-alice", "U-bob")

	if _, err := s.Tasks.SetStatus(ctx, SetStatusParams{BoardCode: "7-1", Status: StatusIssue, LineUserID: "U-alice"}); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	status, err := s.Tasks.AddComment(ctx, AddCommentParams{BoardCode: "7-1", LineUserID: "U-bob", Note: " 剥がれかけ "})
	if err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}
	if status.Status != StatusIssue {
		t.Errorf("comment must keep status issue, got %s", status.Status)
	}
	if status.LastComment.String != "剥がれかけ" || status.UpdatedByLineID.String != "U-bob" {
		t.Errorf("unexpected status after comment: %+v", status)
	}

	_, history, err := s.Tasks.Get(ctx, "7-1", 0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].OldStatus.String != StatusIssue || history[0].NewStatus.String != StatusIssue {
		t.Errorf("comment entry = %s -> %s, want issue -> issue", history[0].OldStatus.String, history[0].NewStatus.String)
	}

	// a board nobody touched yet is commented as pending
	status, err = s.Tasks.AddComment(ctx, AddCommentParams{BoardCode: "7-2", LineUserID: "U-alice", Note: "場所不明"})
	if err != nil {
		t.Fatalf("AddComment on new board failed: %v", err)
	}
	if status.Status != StatusPending {
		t.Errorf("expected pending, got %s", status.Status)
	}

	if _, err := s.Tasks.AddComment(ctx, AddCommentParams{BoardCode: "7-1", LineUserID: "U-alice", Note: "  "}); err == nil {
		t.Error("expected error for empty comment")
	}
	if _, err := s.Tasks.AddComment(ctx, AddCommentParams{BoardCode: "7-1", LineUserID: "U-nobody", Note: "x"}); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("expected ErrUnknownUser, got %v", err)
	}
}

func TestTaskStore_ReassignInProgress(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, "U-alice", "U-bob")

	changes := []SetStatusParams{
		{BoardCode: "A", Status: StatusInProgress, LineUserID: "U-alice"},
		{BoardCode: "B", Status: StatusInProgress, LineUserID: "U-alice"},
		{BoardCode: "C", Status: StatusDone, LineUserID: "U-alice"},
		{BoardCode: "D", Status: StatusInProgress, LineUserID: "U-bob"},
	}
	for _, c := range changes {
		if _, err := s.Tasks.SetStatus(ctx, c); err != nil {
			t.Fatalf("SetStatus %s failed: %v", c.BoardCode, err)
		}
	}

	res, err := s.Tasks.ReassignInProgress(ctx, "U-alice", "U-bob")
	if err != nil {
		t.Fatalf("ReassignInProgress failed: %v", err)
	}
	if res.Count != 2 || !reflect.DeepEqual(res.Boards, []string{"A", "B"}) {
		t.Errorf("unexpected reassignment %+v", res)
	}

	alice, err := s.Tasks.Mine(ctx, "U-alice")
	if err != nil {
		t.Fatalf("Mine failed: %v", err)
	}
	if want := (Totals{Done: 1}); alice != want {
		t.Errorf("alice keeps only her done board, got %+v", alice)
	}
	bob, err := s.Tasks.Mine(ctx, "U-bob")
	if err != nil {
		t.Fatalf("Mine failed: %v", err)
	}
	if want := (Totals{InProgress: 3}); bob != want {
		t.Errorf("bob = %+v, want %+v", bob, want)
	}

	res, err = s.Tasks.ReassignInProgress(ctx, "U-alice", "U-bob")
	if err != nil {
		t.Fatalf("second ReassignInProgress failed: %v", err)
	}
	if res.Count != 0 || len(res.Boards) != 0 {
		t.Errorf("expected nothing left to reassign, got %+v", res)
	}

	if _, err := s.Tasks.ReassignInProgress(ctx, "U-bob", "U-bob"); !errors.Is(err, ErrSameUser) {
		t.Errorf("expected ErrSameUser, got %v", err)
	}
	if _, err := s.Tasks.ReassignInProgress(ctx, "U-bob", "U-nobody"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("expected ErrUnknownUser, got %v", err)
	}
}

func TestTaskStore_Activity(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, "U-alice", "U-bob", "U-carol")

	changes := []SetStatusParams{
		{BoardCode: "A", Status: StatusDone, LineUserID: "U-alice"},
		{BoardCode: "B", Status: StatusInProgress, LineUserID: "U-bob", Note: "向かっています"},
		{BoardCode: "C", Status: StatusInProgress, LineUserID: "U-bob"},
	}
	for _, c := range changes {
		if _, err := s.Tasks.SetStatus(ctx, c); err != nil {
			t.Fatalf("SetStatus %s failed: %v", c.BoardCode, err)
		}
	}

	names := func(users []UserActivity) []string {
		var out []string
		for _, u := range users {
			out = append(out, u.LineUserID)
		}
		return out
	}

	byDone, err := s.Tasks.Activity(ctx, "")
	if err != nil {
		t.Fatalf("Activity failed: %v", err)
	}
	if got, want := names(byDone), []string{"U-alice", "U-bob", "U-carol"}; !reflect.DeepEqual(got, want) {
		t.Errorf("done order = %v, want %v", got, want)
	}
	bob := byDone[1]
	if bob.InProgress != 2 || bob.BoardsUpdated != 2 || bob.Comments != 1 || bob.LastActivity == "" {
		t.Errorf("unexpected bob activity %+v", bob)
	}
	if byDone[2].LastActivity != "" || byDone[2].BoardsUpdated != 0 {
		t.Errorf("carol has no activity, got %+v", byDone[2])
	}

	byProgress, err := s.Tasks.Activity(ctx, SortInProgress)
	if err != nil {
		t.Fatalf("Activity failed: %v", err)
	}
	if got, want := names(byProgress), []string{"U-bob", "U-alice", "U-carol"}; !reflect.DeepEqual(got, want) {
		t.Errorf("in_progress order = %v, want %v", got, want)
	}

	byLast, err := s.Tasks.Activity(ctx, SortLast)
	if err != nil {
		t.Fatalf("Activity failed: %v", err)
	}
	if byLast[2].LineUserID != "U-carol" {
		t.Errorf("users without activity sort last, got %v", names(byLast))
	}

	if _, err := s.Tasks.Activity(ctx, "karma"); err == nil {
		t.Error("expected error for unknown sort")
	}
}
