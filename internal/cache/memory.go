package cache

import (
	"encoding/json"
	"sync"

	"github.com/dgnsrekt/gateway-relay/internal/protocol"
)

// Memory is an in-process cache tracking per-guild entity counts and the raw
// guild payloads needed to bootstrap newcomers. One instance per shard: one
// writer (the session loop), arbitrary concurrent readers.
type Memory struct {
	mu          sync.RWMutex
	guilds      map[string]*guildRecord
	unavailable map[string]struct{}
	users       map[string]struct{}
	voice       map[string]map[string]struct{} // guild -> user ids in voice
}

// guildRecord keeps the raw GUILD_CREATE body for replay plus the entity
// counts derived from it and adjusted by later events.
type guildRecord struct {
	raw       json.RawMessage
	channels  int
	roles     int
	members   int
	presences int
	emojis    int
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		guilds:      make(map[string]*guildRecord),
		unavailable: make(map[string]struct{}),
		users:       make(map[string]struct{}),
		voice:       make(map[string]map[string]struct{}),
	}
}

// Apply folds one dispatch event into the cache. Unknown or malformed events
// are ignored.
func (m *Memory) Apply(eventType string, data json.RawMessage) {
	if len(data) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch eventType {
	case "GUILD_CREATE":
		m.applyGuildCreate(data)
	case "GUILD_DELETE":
		m.applyGuildDelete(data)
	case "CHANNEL_CREATE":
		m.adjustGuildCount(data, func(g *guildRecord) { g.channels++ })
	case "CHANNEL_DELETE":
		m.adjustGuildCount(data, func(g *guildRecord) { g.channels-- })
	case "GUILD_ROLE_CREATE":
		m.adjustGuildCount(data, func(g *guildRecord) { g.roles++ })
	case "GUILD_ROLE_DELETE":
		m.adjustGuildCount(data, func(g *guildRecord) { g.roles-- })
	case "GUILD_MEMBER_ADD":
		m.applyMemberAdd(data)
	case "GUILD_MEMBER_REMOVE":
		m.adjustGuildCount(data, func(g *guildRecord) { g.members-- })
	case "GUILD_EMOJIS_UPDATE":
		m.applyEmojisUpdate(data)
	case "PRESENCE_UPDATE":
		m.applyPresenceUpdate(data)
	case "VOICE_STATE_UPDATE":
		m.applyVoiceStateUpdate(data)
	}
}

func (m *Memory) applyGuildCreate(data json.RawMessage) {
	var g struct {
		ID          string            `json:"id"`
		Unavailable bool              `json:"unavailable"`
		Channels    []json.RawMessage `json:"channels"`
		Roles       []json.RawMessage `json:"roles"`
		Emojis      []json.RawMessage `json:"emojis"`
		Presences   []json.RawMessage `json:"presences"`
		Members     []struct {
			User struct {
				ID string `json:"id"`
			} `json:"user"`
		} `json:"members"`
		VoiceStates []struct {
			UserID string `json:"user_id"`
		} `json:"voice_states"`
	}
	if err := json.Unmarshal(data, &g); err != nil || g.ID == "" {
		return
	}

	if g.Unavailable {
		m.unavailable[g.ID] = struct{}{}
		delete(m.guilds, g.ID)
		return
	}
	delete(m.unavailable, g.ID)

	raw := make(json.RawMessage, len(data))
	copy(raw, data)

	m.guilds[g.ID] = &guildRecord{
		raw:       raw,
		channels:  len(g.Channels),
		roles:     len(g.Roles),
		members:   len(g.Members),
		presences: len(g.Presences),
		emojis:    len(g.Emojis),
	}

	for _, member := range g.Members {
		if member.User.ID != "" {
			m.users[member.User.ID] = struct{}{}
		}
	}

	voice := make(map[string]struct{}, len(g.VoiceStates))
	for _, vs := range g.VoiceStates {
		if vs.UserID != "" {
			voice[vs.UserID] = struct{}{}
		}
	}
	m.voice[g.ID] = voice
}

func (m *Memory) applyGuildDelete(data json.RawMessage) {
	var g struct {
		ID          string `json:"id"`
		Unavailable bool   `json:"unavailable"`
	}
	if err := json.Unmarshal(data, &g); err != nil || g.ID == "" {
		return
	}

	delete(m.guilds, g.ID)
	delete(m.voice, g.ID)
	if g.Unavailable {
		// Outage, not removal: the guild will come back.
		m.unavailable[g.ID] = struct{}{}
	} else {
		delete(m.unavailable, g.ID)
	}
}

func (m *Memory) adjustGuildCount(data json.RawMessage, adjust func(*guildRecord)) {
	var e struct {
		GuildID string `json:"guild_id"`
	}
	if err := json.Unmarshal(data, &e); err != nil || e.GuildID == "" {
		return
	}
	if g, ok := m.guilds[e.GuildID]; ok {
		adjust(g)
	}
}

func (m *Memory) applyMemberAdd(data json.RawMessage) {
	var e struct {
		GuildID string `json:"guild_id"`
		User    struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(data, &e); err != nil || e.GuildID == "" {
		return
	}
	if g, ok := m.guilds[e.GuildID]; ok {
		g.members++
	}
	if e.User.ID != "" {
		m.users[e.User.ID] = struct{}{}
	}
}

func (m *Memory) applyEmojisUpdate(data json.RawMessage) {
	var e struct {
		GuildID string            `json:"guild_id"`
		Emojis  []json.RawMessage `json:"emojis"`
	}
	if err := json.Unmarshal(data, &e); err != nil || e.GuildID == "" {
		return
	}
	if g, ok := m.guilds[e.GuildID]; ok {
		g.emojis = len(e.Emojis)
	}
}

func (m *Memory) applyPresenceUpdate(data json.RawMessage) {
	var e struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return
	}
	if e.User.ID != "" {
		m.users[e.User.ID] = struct{}{}
	}
}

func (m *Memory) applyVoiceStateUpdate(data json.RawMessage) {
	var e struct {
		GuildID   string  `json:"guild_id"`
		ChannelID *string `json:"channel_id"`
		UserID    string  `json:"user_id"`
	}
	if err := json.Unmarshal(data, &e); err != nil || e.GuildID == "" || e.UserID == "" {
		return
	}

	voice, ok := m.voice[e.GuildID]
	if !ok {
		voice = make(map[string]struct{})
		m.voice[e.GuildID] = voice
	}
	if e.ChannelID == nil {
		delete(voice, e.UserID)
	} else {
		voice[e.UserID] = struct{}{}
	}
}

// Stats snapshots the aggregate counts.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Guilds:            len(m.guilds),
		Users:             len(m.users),
		UnavailableGuilds: len(m.unavailable),
	}
	for _, g := range m.guilds {
		stats.Channels += g.channels
		stats.Roles += g.roles
		stats.Members += g.members
		stats.Presences += g.presences
		stats.Emojis += g.emojis
	}
	for _, voice := range m.voice {
		stats.VoiceStates += len(voice)
	}
	return stats
}

// ReadyPayload shapes the newcomer READY. Known guilds are presented as
// unavailable stubs; the real payloads follow in the GuildPayloads replay.
func (m *Memory) ReadyPayload(body map[string]any, seq *Sequence) protocol.Payload {
	payload := readyPayload(body, seq)

	m.mu.RLock()
	defer m.mu.RUnlock()

	stubs := make([]any, 0, len(m.guilds)+len(m.unavailable))
	for id := range m.guilds {
		stubs = append(stubs, map[string]any{"id": id, "unavailable": true})
	}
	for id := range m.unavailable {
		stubs = append(stubs, map[string]any{"id": id, "unavailable": true})
	}
	body["guilds"] = stubs

	return payload
}

// GuildPayloads replays one synthetic GUILD_CREATE per cached guild.
func (m *Memory) GuildPayloads(seq *Sequence) []protocol.Payload {
	m.mu.RLock()
	defer m.mu.RUnlock()

	payloads := make([]protocol.Payload, 0, len(m.guilds))
	for _, g := range m.guilds {
		payloads = append(payloads, protocol.Payload{
			D:  g.raw,
			Op: protocol.OpDispatch,
			T:  "GUILD_CREATE",
			S:  seq.Next(),
		})
	}
	return payloads
}
