package mention

import (
	"context"

	"github.com/perivale/teamchat/internal/domain"
)

// Backend is the storage capability Data needs: a case-insensitive batch
// lookup of groups by name and a batch membership query restricted to
// active users. internal/repo provides the GORM-backed implementation.
type Backend interface {
	// GroupsByName returns the groups whose folded name is in names.
	GroupsByName(ctx context.Context, names []string) ([]domain.UserGroup, error)

	// ActiveGroupMembers returns, for each requested group id, the ids of
	// its active member users. Groups with no active members may be absent
	// from the result.
	ActiveGroupMembers(ctx context.Context, groupIDs []string) (map[string][]string, error)
}

// Data holds the resolved mention state for one message body.
//
// Group membership is fetched eagerly in NewData, and only for groups
// mentioned in non-silent form that are not deactivated: those are the
// groups whose members get notified, so only they need the membership
// query. Silent-only and deactivated groups stay unfetched; asking for
// their members yields the empty set. GroupMembers never queries storage.
type Data struct {
	// groupsByName indexes every resolved group by folded name, regardless
	// of mention form. Kept for display and validation.
	groupsByName map[string]domain.UserGroup

	// members caches member-id sets for the groups that were fetched.
	members map[string]map[string]struct{}
}

// NewData scans content, resolves mentioned group names against the
// backend, and prefetches membership for the notification-worthy groups.
// Names that do not resolve to a group are dropped silently: @*word*-shaped
// text is allowed to not be a real group.
func NewData(ctx context.Context, backend Backend, content string) (*Data, error) {
	d := &Data{
		groupsByName: make(map[string]domain.UserGroup),
		members:      make(map[string]map[string]struct{}),
	}

	mentions := PossibleGroupMentions(content)
	if len(mentions) == 0 {
		return d, nil
	}

	names := make([]string, 0, len(mentions))
	kindByKey := make(map[string]Type, len(mentions))
	for name, kind := range mentions {
		key := FoldName(name)
		names = append(names, key)
		kindByKey[key] = kind
	}

	groups, err := backend.GroupsByName(ctx, names)
	if err != nil {
		return nil, err
	}

	var fetchIDs []string
	for _, g := range groups {
		d.groupsByName[g.LowerName] = g
		if kindByKey[g.LowerName] == NonSilent && !g.Deactivated {
			fetchIDs = append(fetchIDs, g.ID)
		}
	}
	if len(fetchIDs) == 0 {
		return d, nil
	}

	// One batched query covers every group that needs membership.
	byGroup, err := backend.ActiveGroupMembers(ctx, fetchIDs)
	if err != nil {
		return nil, err
	}
	for gid, userIDs := range byGroup {
		set := make(map[string]struct{}, len(userIDs))
		for _, uid := range userIDs {
			set[uid] = struct{}{}
		}
		d.members[gid] = set
	}
	// Groups with zero active members still count as fetched.
	for _, gid := range fetchIDs {
		if _, ok := d.members[gid]; !ok {
			d.members[gid] = map[string]struct{}{}
		}
	}
	return d, nil
}

// GroupByName returns the resolved group for a mentioned name, matched
// case-insensitively. The second result reports whether the name resolved.
func (d *Data) GroupByName(name string) (domain.UserGroup, bool) {
	g, ok := d.groupsByName[FoldName(name)]
	return g, ok
}

// GroupNames returns the folded names of every resolved group.
func (d *Data) GroupNames() []string {
	names := make([]string, 0, len(d.groupsByName))
	for name := range d.groupsByName {
		names = append(names, name)
	}
	return names
}

// GroupMembers returns the prefetched member-id set for groupID. It is a
// pure cache lookup: groups that were mentioned only silently, are
// deactivated, or were never mentioned at all yield an empty set.
func (d *Data) GroupMembers(groupID string) map[string]struct{} {
	set, ok := d.members[groupID]
	if !ok {
		return map[string]struct{}{}
	}
	out := make(map[string]struct{}, len(set))
	for uid := range set {
		out[uid] = struct{}{}
	}
	return out
}

// MentionedUserIDs returns the union of member ids across every group whose
// membership was fetched, i.e. the users a non-silent mention notifies.
func (d *Data) MentionedUserIDs() map[string]struct{} {
	out := make(map[string]struct{})
	for _, set := range d.members {
		for uid := range set {
			out[uid] = struct{}{}
		}
	}
	return out
}
