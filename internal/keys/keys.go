// Package keys defines project identities and object-key classification
// for the preview bucket namespace.
package keys

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Marker classes written by the upload lambda. A project with both markers
// inside the scan window is considered confirmed.
const (
	MarkerClassPreview = "preview.v1"
	MarkerClassUpload  = "v3"
)

// UploadSuffix marks the authoritative upload artifact. Keys carrying this
// suffix are never eligible for deletion.
const UploadSuffix = ".v3.gz"

// ProjectKey identifies a project within the bucket namespace.
type ProjectKey struct {
	OwnerID   string
	ProjectID string
}

// Path returns the "<owner>/<project>" prefix for this project.
func (k ProjectKey) Path() string {
	return k.OwnerID + "/" + k.ProjectID
}

func (k ProjectKey) String() string {
	return k.Path()
}

// Set is an unordered collection of project keys.
type Set map[ProjectKey]struct{}

// NewSet creates a set from the given keys.
func NewSet(ks ...ProjectKey) Set {
	s := make(Set, len(ks))
	for _, k := range ks {
		s[k] = struct{}{}
	}
	return s
}

// Add inserts a key into the set.
func (s Set) Add(k ProjectKey) {
	s[k] = struct{}{}
}

// Has reports whether the key is in the set.
func (s Set) Has(k ProjectKey) bool {
	_, ok := s[k]
	return ok
}

// Merge adds every key from other into s.
func (s Set) Merge(other Set) {
	for k := range other {
		s[k] = struct{}{}
	}
}

// Intersect returns the keys present in both sets.
func (s Set) Intersect(other Set) Set {
	out := make(Set)
	for k := range s {
		if other.Has(k) {
			out.Add(k)
		}
	}
	return out
}

// Diff returns the keys present in s but not in other.
func (s Set) Diff(other Set) Set {
	out := make(Set)
	for k := range s {
		if !other.Has(k) {
			out.Add(k)
		}
	}
	return out
}

// Sorted returns the set contents as a deterministically ordered slice.
func (s Set) Sorted() []ProjectKey {
	out := make([]ProjectKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerID != out[j].OwnerID {
			return out[i].OwnerID < out[j].OwnerID
		}
		return out[i].ProjectID < out[j].ProjectID
	})
	return out
}

// Class partitions object keys into deletion-relevant categories. The
// classification is computed once per key at ingestion so the protected-class
// check cannot be forgotten at an individual filter site.
type Class int

const (
	// ClassOther is any key that is neither a preview derivative nor an
	// upload artifact.
	ClassOther Class = iota
	// ClassPreview is a preview derivative under <owner>/<project>/preview.v1/.
	ClassPreview
	// ClassUpload is a protected upload artifact. Never deletable.
	ClassUpload
)

func (c Class) String() string {
	switch c {
	case ClassPreview:
		return "preview"
	case ClassUpload:
		return "upload"
	default:
		return "other"
	}
}

// Preview object pattern: {owner_uuid}/{project_uuid}/preview.v1/...
// Example: 0a1b2c3d-0000-4000-8000-000000000001/0a1b.../preview.v1/img_0001.jpg
var previewKeyPattern = regexp.MustCompile(`^([a-f0-9-]{36})/([a-f0-9-]{36})/preview\.v1/`)

// Classify assigns a key its deletion class. The upload suffix wins over any
// other match: an upload artifact stored under a preview directory is still
// protected.
func Classify(key string) Class {
	if strings.HasSuffix(key, UploadSuffix) {
		return ClassUpload
	}
	if previewKeyPattern.MatchString(key) {
		return ClassPreview
	}
	return ClassOther
}

// ParsePreviewKey extracts the project identity from a preview object key.
func ParsePreviewKey(key string) (ProjectKey, bool) {
	matches := previewKeyPattern.FindStringSubmatch(key)
	if matches == nil {
		return ProjectKey{}, false
	}
	return ProjectKey{OwnerID: matches[1], ProjectID: matches[2]}, true
}

// ParseMarkerKey extracts the project identity from a marker object key.
// Marker keys have the fixed shape
// <class>/<yyyy>/<mm>/<dd>/<hh>/<owner>/<project>[/...]; anything shallower
// is ignored.
func ParseMarkerKey(key string) (ProjectKey, bool) {
	parts := strings.Split(key, "/")
	if len(parts) < 7 {
		return ProjectKey{}, false
	}
	if parts[5] == "" || parts[6] == "" {
		return ProjectKey{}, false
	}
	return ProjectKey{OwnerID: parts[5], ProjectID: parts[6]}, true
}

// MarkerPrefix builds the hour-partitioned listing prefix for a marker class.
func MarkerPrefix(class string, hour time.Time) string {
	return fmt.Sprintf("%s/%s/", class, hour.UTC().Format("2006/01/02/15"))
}

// UploadArtifactKey returns the canonical upload artifact key for a project.
func UploadArtifactKey(k ProjectKey) string {
	return fmt.Sprintf("%s/%s/%s%s", k.OwnerID, k.ProjectID, k.ProjectID, UploadSuffix)
}
