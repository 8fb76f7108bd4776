package keystore

import "sort"

// AccessList names the users a file is shared with. Public marks a file that
// is reachable through a public link and must also be wrapped for the public
// share key. Owners are added separately.
type AccessList struct {
	Users  []string
	Public bool
}

// Recipients returns owner plus every user of the list, deduplicated and sorted.
func (a AccessList) Recipients(owner string) []string {
	seen := make(map[string]bool, len(a.Users)+1)
	out := make([]string, 0, len(a.Users)+1)
	for _, uid := range append([]string{owner}, a.Users...) {
		if uid == "" || seen[uid] {
			continue
		}
		seen[uid] = true
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}
