package rooms

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatsync/internal/models"

	"github.com/google/uuid"
)

// Backend persists room snapshots. It is called with the room lock held,
// so writes for one room are applied in mutation order.
type Backend interface {
	UpsertRoom(room models.Room) error
	ListRooms() ([]models.Room, error)
}

// CreateRequest describes a new room.
type CreateRequest struct {
	ID         string
	Name       string
	Visibility models.Visibility
	Creator    string
	Settings   *models.RoomSettings
	// Members and Moderators are added besides the creator.
	Members    []string
	Moderators []string
}

// Result is returned by membership mutations.
type Result struct {
	Room    models.Room
	Changed bool
	// Promoted is the member that became admin because the last admin left.
	Promoted string
}

type room struct {
	mu    sync.RWMutex
	state models.Room
}

// Registry is the authoritative room -> members mapping.
// Every room has its own lock; operations on different rooms never block each other.
type Registry struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	rooms map[string]*room

	idxMu  sync.RWMutex
	byUser map[string]map[string]struct{}

	joinOrder atomic.Uint64
}

func New(backend Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backend: backend,
		logger:  logger.With("component", "rooms"),
		now:     time.Now,
		rooms:   make(map[string]*room),
		byUser:  make(map[string]map[string]struct{}),
	}
}

// Load restores rooms from the backend.
func (r *Registry) Load() error {
	if r.backend == nil {
		return nil
	}
	stored, err := r.backend.ListRooms()
	if err != nil {
		return fmt.Errorf("failed to list rooms: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range stored {
		for _, m := range s.Members {
			if m.JoinOrder > r.joinOrder.Load() {
				r.joinOrder.Store(m.JoinOrder)
			}
			r.index(m.UserID, s.ID, true)
		}
		r.rooms[s.ID] = &room{state: s.Clone()}
	}
	r.logger.Info("rooms loaded", "count", len(stored))
	return nil
}

// ValidateSettings checks room settings given the number of room moderators.
// Admins do not count as moderators: a read-only room needs at least one
// member holding the moderator role, the creator alone is not enough.
func ValidateSettings(s models.RoomSettings, moderators int) error {
	if s.MaxMembers != nil && *s.MaxMembers < 1 {
		return models.InvalidSettings("max members must be at least 1")
	}
	if s.SlowModeSeconds < 0 {
		return models.InvalidSettings("slow mode interval cannot be negative")
	}
	if s.ReadOnly && moderators == 0 {
		return models.InvalidSettings("read-only rooms need at least one moderator")
	}
	return nil
}

// CreateRoom creates a room with the creator as its first admin.
func (r *Registry) CreateRoom(req CreateRequest) (models.Room, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return models.Room{}, models.InvalidRequest("room name is required")
	}
	if req.Creator == "" {
		return models.Room{}, models.InvalidRequest("room creator is required")
	}
	if req.Visibility == "" {
		req.Visibility = models.VisibilityPublic
	}

	settings := models.DefaultRoomSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}
	moderators := uniq(req.Moderators, req.Creator)
	if err := ValidateSettings(settings, len(moderators)); err != nil {
		return models.Room{}, err
	}

	members := uniq(append(append([]string{}, req.Members...), moderators...), req.Creator)
	total := len(members) + 1
	if req.Visibility == models.VisibilityDirect && total != 2 {
		return models.Room{}, models.InvalidRequest("direct rooms have exactly two members")
	}
	if settings.MaxMembers != nil && total > *settings.MaxMembers {
		return models.Room{}, models.ErrRoomFull
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := r.now()
	state := models.Room{
		ID:         id,
		Name:       req.Name,
		Visibility: req.Visibility,
		CreatedBy:  req.Creator,
		CreatedAt:  now.Unix(),
		Members:    make(map[string]models.Member, total),
		Admins:     map[string]bool{req.Creator: true},
		Moderators: make(map[string]bool, len(moderators)),
		Settings:   settings,
	}
	r.addMember(&state, req.Creator, now)
	for _, member := range members {
		r.addMember(&state, member, now)
	}
	for _, member := range moderators {
		state.Moderators[member] = true
	}
	if req.Visibility == models.VisibilityDirect {
		// Both participants of a direct room administer it.
		for member := range state.Members {
			state.Admins[member] = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rooms[id]; exists {
		return models.Room{}, models.NewError(models.KindConflict, models.CodeInvalidRequest, "room already exists")
	}
	if err := r.persist(state); err != nil {
		return models.Room{}, err
	}
	r.rooms[id] = &room{state: state}
	for userID := range state.Members {
		r.index(userID, id, true)
	}

	r.logger.Info("room created", "room_id", id, "creator", req.Creator, "visibility", req.Visibility)
	return state.Clone(), nil
}

// Room returns a snapshot of the room.
func (r *Registry) Room(roomID string) (models.Room, error) {
	rm, err := r.get(roomID)
	if err != nil {
		return models.Room{}, err
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.state.Clone(), nil
}

// Members returns the current member ids of a room in join order.
func (r *Registry) Members(roomID string) ([]string, error) {
	rm, err := r.get(roomID)
	if err != nil {
		return nil, err
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.state.MemberIDs(), nil
}

// IsMember reports whether the user currently belongs to the room.
func (r *Registry) IsMember(roomID, userID string) bool {
	rm, err := r.get(roomID)
	if err != nil {
		return false
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.state.IsMember(userID)
}

// RoomsOf returns the ids of the rooms the user belongs to, sorted.
func (r *Registry) RoomsOf(userID string) []string {
	r.idxMu.RLock()
	defer r.idxMu.RUnlock()
	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Peers returns every user sharing at least one room with userID, userID included.
func (r *Registry) Peers(userID string) map[string]struct{} {
	peers := map[string]struct{}{userID: {}}
	for _, roomID := range r.RoomsOf(userID) {
		members, err := r.Members(roomID)
		if err != nil {
			continue
		}
		for _, id := range members {
			peers[id] = struct{}{}
		}
	}
	return peers
}

// List returns snapshots of all rooms visible to the user: public rooms and
// the rooms the user belongs to.
func (r *Registry) List(userID string) []models.Room {
	r.mu.RLock()
	all := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		all = append(all, rm)
	}
	r.mu.RUnlock()

	var result []models.Room
	for _, rm := range all {
		rm.mu.RLock()
		if rm.state.Visibility == models.VisibilityPublic || rm.state.IsMember(userID) {
			result = append(result, rm.state.Clone())
		}
		rm.mu.RUnlock()
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Join adds the user to a public room. Joining a room twice is a no-op.
func (r *Registry) Join(roomID, userID string) (Result, error) {
	return r.mutate(roomID, func(state *models.Room) (bool, error) {
		if state.IsMember(userID) {
			return false, nil
		}
		if state.Visibility != models.VisibilityPublic {
			return false, models.ErrForbidden
		}
		if err := checkCapacity(state); err != nil {
			return false, err
		}
		r.addMember(state, userID, r.now())
		return true, nil
	})
}

// Invite adds target to the room on behalf of a room admin or moderator.
func (r *Registry) Invite(roomID, actor, target string) (Result, error) {
	return r.mutate(roomID, func(state *models.Room) (bool, error) {
		if !state.IsStaff(actor) {
			return false, models.ErrForbidden
		}
		if state.IsMember(target) {
			return false, nil
		}
		if state.Visibility == models.VisibilityDirect {
			return false, models.ErrForbidden
		}
		if err := checkCapacity(state); err != nil {
			return false, err
		}
		r.addMember(state, target, r.now())
		return true, nil
	})
}

// Leave removes the user from the room. When the last admin leaves, the most
// senior remaining member is promoted.
func (r *Registry) Leave(roomID, userID string) (Result, error) {
	var promoted string
	res, err := r.mutate(roomID, func(state *models.Room) (bool, error) {
		if !state.IsMember(userID) {
			return false, nil
		}
		promoted = removeMember(state, userID)
		return true, nil
	})
	res.Promoted = promoted
	return res, err
}

// Kick removes target from the room. Admins may kick anyone except other
// admins, moderators may kick plain members.
func (r *Registry) Kick(roomID, actor, target string) (Result, error) {
	var promoted string
	res, err := r.mutate(roomID, func(state *models.Room) (bool, error) {
		if !state.IsMember(target) {
			return false, models.ErrNotAMember
		}
		switch {
		case actor == target:
			return false, models.InvalidRequest("use leave to exit a room")
		case state.IsAdmin(actor) && !state.IsAdmin(target):
		case state.Moderators[actor] && state.RoleOf(target) == models.RoleMember:
		default:
			return false, models.ErrForbidden
		}
		promoted = removeMember(state, target)
		return true, nil
	})
	res.Promoted = promoted
	return res, err
}

// SetRole changes the room-scoped role of target. Only admins may do it.
func (r *Registry) SetRole(roomID, actor, target string, role models.Role) (Result, error) {
	if !role.Valid() {
		return Result{}, models.InvalidRequest(fmt.Sprintf("unknown role %q", role))
	}
	return r.mutate(roomID, func(state *models.Room) (bool, error) {
		if !state.IsAdmin(actor) {
			return false, models.ErrForbidden
		}
		if !state.IsMember(target) {
			return false, models.ErrNotAMember
		}
		if state.RoleOf(target) == role {
			return false, nil
		}
		if state.IsAdmin(target) && len(state.Admins) == 1 {
			return false, models.ErrLastAdmin
		}
		delete(state.Admins, target)
		delete(state.Moderators, target)
		switch role {
		case models.RoleAdmin:
			state.Admins[target] = true
		case models.RoleModerator:
			state.Moderators[target] = true
		}
		return true, nil
	})
}

// UpdateSettings applies a settings patch. Only admins may do it.
func (r *Registry) UpdateSettings(roomID, actor string, patch models.SettingsPatch) (Result, error) {
	return r.mutate(roomID, func(state *models.Room) (bool, error) {
		if !state.IsAdmin(actor) {
			return false, models.ErrForbidden
		}
		next := patch.Apply(state.Settings)
		if err := ValidateSettings(next, len(state.Moderators)); err != nil {
			return false, err
		}
		state.Settings = next
		return true, nil
	})
}

// mutate runs fn on a copy of the room state under the room lock and swaps
// the copy in only after it has been persisted.
func (r *Registry) mutate(roomID string, fn func(state *models.Room) (bool, error)) (Result, error) {
	rm, err := r.get(roomID)
	if err != nil {
		return Result{}, err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	next := rm.state.Clone()
	changed, err := fn(&next)
	if err != nil {
		return Result{Room: rm.state.Clone()}, err
	}
	if !changed {
		return Result{Room: rm.state.Clone()}, nil
	}
	if err := r.persist(next); err != nil {
		return Result{Room: rm.state.Clone()}, err
	}

	for id := range rm.state.Members {
		if !next.IsMember(id) {
			r.index(id, roomID, false)
		}
	}
	for id := range next.Members {
		if !rm.state.IsMember(id) {
			r.index(id, roomID, true)
		}
	}
	rm.state = next
	return Result{Room: next.Clone(), Changed: true}, nil
}

func (r *Registry) get(roomID string) (*room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	return rm, nil
}

func (r *Registry) persist(state models.Room) error {
	if r.backend == nil {
		return nil
	}
	if err := r.backend.UpsertRoom(state); err != nil {
		r.logger.Error("failed to persist room", "room_id", state.ID, "error", err)
		return models.Unavailable("failed to persist room", err)
	}
	return nil
}

func (r *Registry) index(userID, roomID string, add bool) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	set := r.byUser[userID]
	if add {
		if set == nil {
			set = make(map[string]struct{})
			r.byUser[userID] = set
		}
		set[roomID] = struct{}{}
		return
	}
	delete(set, roomID)
	if len(set) == 0 {
		delete(r.byUser, userID)
	}
}

func (r *Registry) addMember(state *models.Room, userID string, now time.Time) {
	if state.IsMember(userID) {
		return
	}
	state.Members[userID] = models.Member{
		UserID:    userID,
		JoinedAt:  now.UnixNano(),
		JoinOrder: r.joinOrder.Add(1),
	}
}

// removeMember drops the user and all of its roles, promoting a successor
// when no admin is left. It returns the promoted user id, if any.
func removeMember(state *models.Room, userID string) string {
	delete(state.Members, userID)
	delete(state.Admins, userID)
	delete(state.Moderators, userID)

	if len(state.Admins) > 0 || len(state.Members) == 0 {
		return ""
	}

	successor := seniorMember(state)
	delete(state.Moderators, successor)
	state.Admins[successor] = true
	return successor
}

// seniorMember picks moderators before plain members, earliest join first.
func seniorMember(state *models.Room) string {
	var best models.Member
	bestIsMod := false
	for id, m := range state.Members {
		isMod := state.Moderators[id]
		switch {
		case best.UserID == "":
		case isMod && !bestIsMod:
		case isMod == bestIsMod && m.JoinOrder < best.JoinOrder:
		default:
			continue
		}
		best = m
		bestIsMod = isMod
	}
	return best.UserID
}

func checkCapacity(state *models.Room) error {
	if state.Visibility == models.VisibilityDirect && len(state.Members) >= 2 {
		return models.ErrRoomFull
	}
	if state.Settings.MaxMembers != nil && len(state.Members) >= *state.Settings.MaxMembers {
		return models.ErrRoomFull
	}
	return nil
}

// uniq returns ids without duplicates, blanks and the excluded id.
func uniq(ids []string, exclude string) []string {
	seen := make(map[string]bool, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == exclude || seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, id)
	}
	return result
}
