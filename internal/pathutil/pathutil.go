// Package pathutil classifies storage paths: whether a path holds encryptable
// content and which live file a version or trash copy belongs to.
package pathutil

import (
	"path"
	"regexp"
	"strings"
)

// Top-level folders under a user's root that hold file content.
const (
	FilesDir    = "files"
	VersionsDir = "files_versions"
	TrashbinDir = "files_trashbin"
)

var (
	versionSuffix    = regexp.MustCompile(`\.v\d+$`)
	trashSuffix      = regexp.MustCompile(`\.d\d+$`)
	partSuffix       = regexp.MustCompile(`\.ocTransferId\d+\.part$`)
	encryptableRoots = map[string]bool{
		FilesDir:    true,
		VersionsDir: true,
		TrashbinDir: true,
	}
)

// ShouldEncrypt reports whether path points at content below a user's file,
// version or trash tree. Roots of those trees and anything else are skipped.
//
//	/user1/files/foo.txt          true
//	/user1/files_versions/foo.txt true
//	/user1/files                  false
//	/user1/foo.txt                false
func ShouldEncrypt(p string) bool {
	parts := strings.Split(normalize(p), "/")
	// "", uid, tree, name...
	if len(parts) < 4 {
		return false
	}
	return encryptableRoots[parts[2]]
}

// RealPath maps a version or trash copy to the path of the live file so that
// every revision resolves to the same file key. Other paths are returned as is.
//
//	/user/files_versions/foo.txt.v543534 -> /user/files/foo.txt
//	/user/files_trashbin/files/foo.txt.d1 -> /user/files/foo.txt
func RealPath(p string) string {
	p = normalize(p)
	parts := strings.Split(p, "/")
	if len(parts) < 4 {
		return p
	}
	uid := parts[1]
	rest := parts[3:]

	switch parts[2] {
	case VersionsDir:
		return joinFiles(uid, stripVersion(rest))
	case TrashbinDir:
		// trash keeps deleted files and their versions in separate subtrees
		switch rest[0] {
		case FilesDir:
			rest = rest[1:]
		case "versions":
			rest = rest[1:]
			if len(rest) > 0 {
				rest[len(rest)-1] = versionSuffix.ReplaceAllString(trashSuffix.ReplaceAllString(rest[len(rest)-1], ""), "")
				for i := range rest[:len(rest)-1] {
					rest[i] = trashSuffix.ReplaceAllString(rest[i], "")
				}
				return joinFiles(uid, rest)
			}
		}
		if len(rest) == 0 {
			return p
		}
		// only the top-level entry of a deleted tree carries the deletion stamp
		rest[0] = trashSuffix.ReplaceAllString(rest[0], "")
		return joinFiles(uid, rest)
	default:
		return p
	}
}

// StripPartialFileExtension removes the upload suffix of a partial file so
// that chunks resolve to the key of the target file.
func StripPartialFileExtension(p string) string {
	if loc := partSuffix.FindStringIndex(p); loc != nil {
		return p[:loc[0]]
	}
	return strings.TrimSuffix(p, ".part")
}

// IsPartialFile reports whether p is an in-flight upload.
func IsPartialFile(p string) bool {
	return strings.HasSuffix(p, ".part")
}

// UIDAndFilename splits "/uid/files/a/b.txt" into ("uid", "a/b.txt"). The
// filename is relative to the user's tree. ok is false when p has no user
// component or no tree.
func UIDAndFilename(p string) (uid, filename string, ok bool) {
	parts := strings.Split(normalize(p), "/")
	if len(parts) < 3 || parts[1] == "" {
		return "", "", false
	}
	return parts[1], strings.Join(parts[3:], "/"), true
}

// Owner returns the uid component of p, or "".
func Owner(p string) string {
	uid, _, _ := UIDAndFilename(p)
	return uid
}

func stripVersion(rest []string) []string {
	out := append([]string(nil), rest...)
	last := len(out) - 1
	out[last] = versionSuffix.ReplaceAllString(out[last], "")
	return out
}

func joinFiles(uid string, rest []string) string {
	return "/" + uid + "/" + FilesDir + "/" + strings.Join(rest, "/")
}

// normalize cleans p and makes it absolute. A trailing slash is dropped.
func normalize(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}
