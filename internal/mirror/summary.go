package mirror

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/disiqueira/gotree/v3"
	version "github.com/knqyf263/go-deb-version"
)

// ReleaseSummary is one ledger release as shown by the ledger command.
type ReleaseSummary struct {
	ID       string
	Version  string
	FileName string
	Uploaded bool
}

// PackageSummary aggregates the ledger records of a package.
type PackageSummary struct {
	Name     string
	Releases []ReleaseSummary // newest first
	Uploaded int
	Pending  int
}

// Summarize returns summaries for the named packages, or for every package
// when names is empty. Packages are sorted by name.
func Summarize(l Ledger, names []string) ([]PackageSummary, error) {
	if len(names) == 0 {
		for name := range l {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	sums := make([]PackageSummary, 0, len(names))
	for _, name := range names {
		record, ok := l[name]
		if !ok {
			return nil, errors.New("package not in ledger: " + name)
		}

		sum := PackageSummary{Name: name}
		for id, r := range record.Releases {
			sum.Releases = append(sum.Releases, ReleaseSummary{
				ID:       id,
				Version:  r.Version,
				FileName: r.FileName,
				Uploaded: r.Uploaded,
			})
			if r.Uploaded {
				sum.Uploaded++
			} else {
				sum.Pending++
			}
		}
		sortNewestFirst(sum.Releases)
		sums = append(sums, sum)
	}
	return sums, nil
}

// sortNewestFirst orders releases by descending version. Versions that
// parse come first; the rest follow in descending string order. Ties are
// broken by release id.
func sortNewestFirst(releases []ReleaseSummary) {
	type keyed struct {
		rel    ReleaseSummary
		ver    version.Version
		parsed bool
	}
	ks := make([]keyed, len(releases))
	for i, r := range releases {
		v, err := version.NewVersion(r.Version)
		ks[i] = keyed{rel: r, ver: v, parsed: err == nil}
	}

	sort.Slice(ks, func(i, j int) bool {
		a, b := &ks[i], &ks[j]
		if a.parsed != b.parsed {
			return a.parsed
		}
		if a.parsed && !a.ver.Equal(b.ver) {
			return a.ver.GreaterThan(b.ver)
		}
		if a.rel.Version != b.rel.Version {
			return a.rel.Version > b.rel.Version
		}
		return a.rel.ID < b.rel.ID
	})

	for i := range ks {
		releases[i] = ks[i].rel
	}
}

// RenderTree draws the summaries as a tree rooted at root.
func RenderTree(root string, sums []PackageSummary) string {
	tree := gotree.New(root)
	for _, sum := range sums {
		pkg := tree.Add(fmt.Sprintf("%s (%d uploaded, %d pending)", sum.Name, sum.Uploaded, sum.Pending))
		for _, r := range sum.Releases {
			state := "pending"
			if r.Uploaded {
				state = "uploaded"
			}
			pkg.Add(fmt.Sprintf("%s %s [%s]", r.Version, r.FileName, state))
		}
	}
	return tree.Print()
}
