package rooms

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"chatsync/internal/models"
)

type memBackend struct {
	mu    sync.Mutex
	rooms map[string]models.Room
	err   error
}

func newMemBackend() *memBackend {
	return &memBackend{rooms: make(map[string]models.Room)}
}

func (b *memBackend) UpsertRoom(room models.Room) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.rooms[room.ID] = room.Clone()
	return nil
}

func (b *memBackend) ListRooms() ([]models.Room, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var result []models.Room
	for _, r := range b.rooms {
		result = append(result, r.Clone())
	}
	return result, nil
}

func intPtr(v int) *int { return &v }

func checkInvariant(t *testing.T, room models.Room) {
	t.Helper()
	for id := range room.Admins {
		if !room.IsMember(id) {
			t.Errorf("admin %s is not a member of %s", id, room.ID)
		}
	}
	for id := range room.Moderators {
		if !room.IsMember(id) {
			t.Errorf("moderator %s is not a member of %s", id, room.ID)
		}
	}
}

func TestCreateRoom(t *testing.T) {
	r := New(nil, nil)

	t.Run("CreatorIsAdmin", func(t *testing.T) {
		room, err := r.CreateRoom(CreateRequest{ID: "general", Name: "General", Creator: "alice"})
		if err != nil {
			t.Fatalf("CreateRoom failed: %v", err)
		}
		if !room.IsAdmin("alice") || !room.IsMember("alice") {
			t.Errorf("creator should be member and admin: %+v", room)
		}
		if room.Visibility != models.VisibilityPublic {
			t.Errorf("expected public visibility, got %s", room.Visibility)
		}
		checkInvariant(t, room)
	})

	t.Run("InvalidMaxMembers", func(t *testing.T) {
		settings := models.DefaultRoomSettings()
		settings.MaxMembers = intPtr(0)
		_, err := r.CreateRoom(CreateRequest{Name: "Tiny", Creator: "alice", Settings: &settings})
		if !errors.Is(err, models.ErrInvalidSettings) {
			t.Errorf("expected ErrInvalidSettings, got %v", err)
		}
	})

	t.Run("ReadOnlyWithoutModerators", func(t *testing.T) {
		settings := models.DefaultRoomSettings()
		settings.ReadOnly = true
		_, err := r.CreateRoom(CreateRequest{Name: "News", Creator: "alice", Settings: &settings})
		if !errors.Is(err, models.ErrInvalidSettings) {
			t.Errorf("expected ErrInvalidSettings, got %v", err)
		}

		// The admin creator does not count as a moderator.
		_, err = r.CreateRoom(CreateRequest{Name: "News", Creator: "alice", Settings: &settings, Moderators: []string{"alice"}})
		if !errors.Is(err, models.ErrInvalidSettings) {
			t.Errorf("expected ErrInvalidSettings with only the creator as moderator, got %v", err)
		}

		room, err := r.CreateRoom(CreateRequest{Name: "News", Creator: "alice", Settings: &settings, Moderators: []string{"bob"}})
		if err != nil {
			t.Fatalf("CreateRoom failed: %v", err)
		}
		if !room.Moderators["bob"] || !room.IsMember("bob") {
			t.Errorf("bob should be a moderator member: %+v", room)
		}
		checkInvariant(t, room)
	})

	t.Run("Direct", func(t *testing.T) {
		_, err := r.CreateRoom(CreateRequest{Name: "dm", Creator: "alice", Visibility: models.VisibilityDirect})
		if !errors.Is(err, models.ErrKindInvalid) {
			t.Errorf("expected invalid request, got %v", err)
		}
		room, err := r.CreateRoom(CreateRequest{Name: "dm", Creator: "alice", Visibility: models.VisibilityDirect, Members: []string{"bob"}})
		if err != nil {
			t.Fatalf("CreateRoom failed: %v", err)
		}
		if !room.IsAdmin("bob") {
			t.Error("both direct participants should be admins")
		}
		if _, err := r.Join(room.ID, "carol"); !errors.Is(err, models.ErrForbidden) {
			t.Errorf("expected ErrForbidden joining a direct room, got %v", err)
		}
	})

	t.Run("Duplicate", func(t *testing.T) {
		_, err := r.CreateRoom(CreateRequest{ID: "general", Name: "General", Creator: "bob"})
		if !errors.Is(err, models.ErrKindConflict) {
			t.Errorf("expected conflict, got %v", err)
		}
	})
}

func TestJoin(t *testing.T) {
	r := New(nil, nil)
	settings := models.DefaultRoomSettings()
	settings.MaxMembers = intPtr(2)
	if _, err := r.CreateRoom(CreateRequest{ID: "small", Name: "Small", Creator: "alice", Settings: &settings}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Join("missing", "bob"); !errors.Is(err, models.ErrRoomNotFound) {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}

	res, err := r.Join("small", "bob")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if !res.Changed || !res.Room.IsMember("bob") {
		t.Errorf("bob should have joined: %+v", res)
	}

	res, err = r.Join("small", "bob")
	if err != nil {
		t.Fatalf("second Join failed: %v", err)
	}
	if res.Changed {
		t.Error("joining twice should be a no-op")
	}

	if _, err := r.Join("small", "carol"); !errors.Is(err, models.ErrRoomFull) {
		t.Errorf("expected ErrRoomFull, got %v", err)
	}

	if got := r.RoomsOf("bob"); len(got) != 1 || got[0] != "small" {
		t.Errorf("RoomsOf(bob) = %v", got)
	}
}

func TestInvitePrivate(t *testing.T) {
	r := New(nil, nil)
	if _, err := r.CreateRoom(CreateRequest{ID: "staff", Name: "Staff", Creator: "alice", Visibility: models.VisibilityPrivate}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Join("staff", "bob"); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("expected ErrForbidden on private self-join, got %v", err)
	}
	if _, err := r.Invite("staff", "alice", "bob"); err != nil {
		t.Fatalf("Invite failed: %v", err)
	}
	if _, err := r.Invite("staff", "bob", "carol"); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("members cannot invite, got %v", err)
	}
	if !r.IsMember("staff", "bob") {
		t.Error("bob should be a member")
	}
}

func TestLeavePromotesSeniorMember(t *testing.T) {
	r := New(nil, nil)
	if _, err := r.CreateRoom(CreateRequest{ID: "g", Name: "G", Creator: "alice"}); err != nil {
		t.Fatal(err)
	}
	for _, u := range []string{"bob", "carol", "dave"} {
		if _, err := r.Join("g", u); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("EarliestMember", func(t *testing.T) {
		res, err := r.Leave("g", "alice")
		if err != nil {
			t.Fatalf("Leave failed: %v", err)
		}
		if res.Promoted != "bob" {
			t.Errorf("expected bob to be promoted, got %q", res.Promoted)
		}
		if !res.Room.IsAdmin("bob") || res.Room.IsMember("alice") {
			t.Errorf("unexpected room state: %+v", res.Room)
		}
		checkInvariant(t, res.Room)
	})

	t.Run("ModeratorFirst", func(t *testing.T) {
		if _, err := r.SetRole("g", "bob", "dave", models.RoleModerator); err != nil {
			t.Fatalf("SetRole failed: %v", err)
		}
		res, err := r.Leave("g", "bob")
		if err != nil {
			t.Fatalf("Leave failed: %v", err)
		}
		if res.Promoted != "dave" {
			t.Errorf("expected moderator dave to be promoted, got %q", res.Promoted)
		}
		if res.Room.Moderators["dave"] {
			t.Error("promoted moderator should no longer be listed as moderator")
		}
		checkInvariant(t, res.Room)
	})

	t.Run("NotMember", func(t *testing.T) {
		res, err := r.Leave("g", "nobody")
		if err != nil || res.Changed {
			t.Errorf("leaving as non member should be a no-op, got %+v %v", res, err)
		}
	})
}

func TestSetRole(t *testing.T) {
	r := New(nil, nil)
	if _, err := r.CreateRoom(CreateRequest{ID: "g", Name: "G", Creator: "alice", Members: []string{"bob"}}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.SetRole("g", "bob", "bob", models.RoleAdmin); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if _, err := r.SetRole("g", "alice", "zed", models.RoleModerator); !errors.Is(err, models.ErrNotAMember) {
		t.Errorf("expected ErrNotAMember, got %v", err)
	}
	if _, err := r.SetRole("g", "alice", "alice", models.RoleMember); !errors.Is(err, models.ErrLastAdmin) {
		t.Errorf("expected ErrLastAdmin, got %v", err)
	}
	res, err := r.SetRole("g", "alice", "bob", models.RoleAdmin)
	if err != nil {
		t.Fatalf("SetRole failed: %v", err)
	}
	if res.Room.RoleOf("bob") != models.RoleAdmin {
		t.Errorf("bob should be admin")
	}
	if _, err := r.SetRole("g", "alice", "bob", "owner"); !errors.Is(err, models.ErrKindInvalid) {
		t.Errorf("expected invalid role error, got %v", err)
	}
}

func TestKick(t *testing.T) {
	r := New(nil, nil)
	if _, err := r.CreateRoom(CreateRequest{ID: "g", Name: "G", Creator: "alice", Members: []string{"bob", "carol"}, Moderators: []string{"mod"}}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Kick("g", "bob", "carol"); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("members cannot kick, got %v", err)
	}
	if _, err := r.Kick("g", "mod", "alice"); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("moderators cannot kick admins, got %v", err)
	}
	res, err := r.Kick("g", "mod", "carol")
	if err != nil {
		t.Fatalf("Kick failed: %v", err)
	}
	if res.Room.IsMember("carol") {
		t.Error("carol should be gone")
	}
	if _, err := r.Kick("g", "alice", "carol"); !errors.Is(err, models.ErrNotAMember) {
		t.Errorf("expected ErrNotAMember, got %v", err)
	}
}

func TestUpdateSettings(t *testing.T) {
	r := New(nil, nil)
	if _, err := r.CreateRoom(CreateRequest{ID: "g", Name: "G", Creator: "alice", Members: []string{"bob"}}); err != nil {
		t.Fatal(err)
	}
	slow := 30
	if _, err := r.UpdateSettings("g", "bob", models.SettingsPatch{SlowModeSeconds: &slow}); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	res, err := r.UpdateSettings("g", "alice", models.SettingsPatch{SlowModeSeconds: &slow})
	if err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	if res.Room.Settings.SlowModeSeconds != 30 || !res.Room.Settings.AllowReactions {
		t.Errorf("unexpected settings: %+v", res.Room.Settings)
	}
	negative := -1
	if _, err := r.UpdateSettings("g", "alice", models.SettingsPatch{MaxMembers: &negative}); !errors.Is(err, models.ErrInvalidSettings) {
		t.Errorf("expected ErrInvalidSettings, got %v", err)
	}
}

func TestPersistenceFailureKeepsState(t *testing.T) {
	backend := newMemBackend()
	r := New(backend, nil)
	if _, err := r.CreateRoom(CreateRequest{ID: "g", Name: "G", Creator: "alice"}); err != nil {
		t.Fatal(err)
	}

	backend.err = errors.New("disk full")
	if _, err := r.Join("g", "bob"); !errors.Is(err, models.ErrKindUnavailable) {
		t.Errorf("expected unavailable, got %v", err)
	}
	if r.IsMember("g", "bob") {
		t.Error("failed join must not be visible")
	}

	backend.err = nil
	if _, err := r.Join("g", "bob"); err != nil {
		t.Fatal(err)
	}

	restored := New(backend, nil)
	if err := restored.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !restored.IsMember("g", "bob") {
		t.Error("restored registry lost bob")
	}
	if got := restored.RoomsOf("alice"); len(got) != 1 {
		t.Errorf("restored index = %v", got)
	}
}

func TestConcurrentMembershipKeepsInvariant(t *testing.T) {
	r := New(nil, nil)
	if _, err := r.CreateRoom(CreateRequest{ID: "g", Name: "G", Creator: "admin0"}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		user := fmt.Sprintf("u%d", i)
		wg.Go(func() {
			for j := 0; j < 20; j++ {
				if _, err := r.Join("g", user); err != nil {
					t.Errorf("Join failed: %v", err)
					return
				}
				if _, err := r.Leave("g", user); err != nil {
					t.Errorf("Leave failed: %v", err)
					return
				}
				room, err := r.Room("g")
				if err != nil {
					t.Errorf("Room failed: %v", err)
					return
				}
				checkInvariant(t, room)
			}
		})
	}
	wg.Wait()
}
