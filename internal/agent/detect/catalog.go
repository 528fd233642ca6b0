package detect

import "fmt"

// Catalog is the fixed set of classes the deployed model reports.
// Class overrides must be a subset of it.
var Catalog = []string{
	"person",
	"bicycle",
	"car",
	"motorcycle",
	"bus",
	"truck",
	"dog",
	"cat",
	"backpack",
	"handbag",
	"suitcase",
}

var catalogSet = func() map[string]struct{} {
	s := make(map[string]struct{}, len(Catalog))
	for _, c := range Catalog {
		s[c] = struct{}{}
	}
	return s
}()

// InCatalog reports whether a class name is part of the model catalog.
func InCatalog(class string) bool {
	_, ok := catalogSet[class]
	return ok
}

// ValidateClasses rejects any class name outside the catalog.
func ValidateClasses(classes []string) error {
	for _, c := range classes {
		if !InCatalog(c) {
			return fmt.Errorf("class %q is not in the model catalog", c)
		}
	}
	return nil
}
