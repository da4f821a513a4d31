package records

import "github.com/disgoorg/snowflake/v2"

// UserRecord is the persisted balance of a single user.
type UserRecord struct {
	Saves float64 `json:"saves"`
}

// GuildRecord is the persisted balance and configuration of a guild.
// CanCountRole is the raw role ID; zero means no role is configured.
type GuildRecord struct {
	Saves        float64 `json:"saves"`
	CanCountRole uint64  `json:"can_count_role"`
}

// CountRole returns the configured role, or 0 when unset.
func (g *GuildRecord) CountRole() snowflake.ID { return snowflake.ID(g.CanCountRole) }

// SetCountRole configures the role granted to eligible members.
func (g *GuildRecord) SetCountRole(id snowflake.ID) { g.CanCountRole = uint64(id) }

// Users maps user IDs to their records. It is only reachable through the
// store's users lock, so GetOrCreate always runs inside a scoped acquisition.
type Users map[snowflake.ID]*UserRecord

// GetOrCreate returns the record for id, inserting a zero balance on first
// access. The returned pointer is shared: mutations are visible to later
// readers holding the same lock.
func (u Users) GetOrCreate(id snowflake.ID) *UserRecord {
	rec, ok := u[id]
	if !ok {
		rec = &UserRecord{}
		u[id] = rec
	}
	return rec
}

// Guilds maps guild IDs to their records. See Users.
type Guilds map[snowflake.ID]*GuildRecord

// GetOrCreate returns the record for id, inserting a default record (no
// saves, no role) on first access.
func (g Guilds) GetOrCreate(id snowflake.ID) *GuildRecord {
	rec, ok := g[id]
	if !ok {
		rec = &GuildRecord{}
		g[id] = rec
	}
	return rec
}
