package labelset

import (
	"fmt"
	"slices"
)

// DuplicatePolicy controls what happens when two groups in one set share a label
type DuplicatePolicy int

const (
	// MergeDuplicates treats all groups with the same label as one class.
	// The class takes the position of the first such group, and its examples
	// are the concatenation of the groups' images, in set order.
	MergeDuplicates DuplicatePolicy = iota
	// RejectDuplicates refuses to produce classes from a set with duplicate labels
	RejectDuplicates
)

func (p DuplicatePolicy) String() string {
	switch p {
	case MergeDuplicates:
		return "merge"
	case RejectDuplicates:
		return "reject"
	}
	return fmt.Sprintf("DuplicatePolicy(%d)", int(p))
}

func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch s {
	case "", "merge":
		return MergeDuplicates, nil
	case "reject":
		return RejectDuplicates, nil
	}
	return 0, fmt.Errorf("Unknown duplicate label policy '%v' (expected 'merge' or 'reject')", s)
}

// DuplicateLabelError is returned by Classes under RejectDuplicates
type DuplicateLabelError struct {
	Labels []string
}

func (e *DuplicateLabelError) Error() string {
	return fmt.Sprintf("Label set contains duplicate labels: %v", e.Labels)
}

// Class is one classifier class, formed from one or more groups
type Class struct {
	Label  string
	Images []*Image
}

// DuplicateLabels returns the labels that appear on more than one group, in order of first appearance
func (s *Set) DuplicateLabels() []string {
	count := map[string]int{}
	dups := []string{}
	for _, g := range s.Groups {
		count[g.Label]++
		if count[g.Label] == 2 {
			dups = append(dups, g.Label)
		}
	}
	return dups
}

// Classes returns the classifier classes of the set, in order of first appearance.
// Class indices returned by a classifier trained from this list match the slice index.
func (s *Set) Classes(policy DuplicatePolicy) ([]Class, error) {
	if dups := s.DuplicateLabels(); len(dups) != 0 && policy == RejectDuplicates {
		return nil, &DuplicateLabelError{Labels: dups}
	}
	classes := []Class{}
	index := map[string]int{}
	for _, g := range s.Groups {
		i, ok := index[g.Label]
		if !ok {
			i = len(classes)
			index[g.Label] = i
			classes = append(classes, Class{Label: g.Label})
		}
		classes[i].Images = append(classes[i].Images, g.Images...)
	}
	return classes, nil
}

// GroupInfo summarizes one group
type GroupInfo struct {
	Label   string   `json:"label"`
	Images  int      `json:"images"`
	Encoded int      `json:"encoded"` // Images still in portable form
	Shapes  []string `json:"shapes"`  // Distinct image shapes, in order of appearance
	UIDs    []string `json:"uids"`
}

// Info summarizes a set
type Info struct {
	Groups     []GroupInfo `json:"groups"`
	Images     int         `json:"images"`
	Duplicates []string    `json:"duplicates"`
}

func (s *Set) Info() Info {
	info := Info{
		Groups:     []GroupInfo{},
		Duplicates: s.DuplicateLabels(),
	}
	for _, g := range s.Groups {
		gi := GroupInfo{
			Label:  g.Label,
			Images: len(g.Images),
			Shapes: []string{},
			UIDs:   []string{},
		}
		for _, img := range g.Images {
			if _, ok := img.Content.(*Encoded); ok {
				gi.Encoded++
			}
			shape := img.Shape().String()
			if !slices.Contains(gi.Shapes, shape) {
				gi.Shapes = append(gi.Shapes, shape)
			}
			gi.UIDs = append(gi.UIDs, img.UID)
		}
		info.Images += gi.Images
		info.Groups = append(info.Groups, gi)
	}
	return info
}
