package access

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// DefaultActionsXPath selects the component section of an access manifest.
const DefaultActionsXPath = "/access/section[@name='component']/"

// ActionDef is an action declared in an access manifest.
type ActionDef struct {
	Name        string `json:"name" yaml:"name"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
}

// GetActionsFromFile reads the manifest at path and returns the actions found
// under xpath. A missing or unreadable file is ErrMalformedManifest.
func GetActionsFromFile(path, xpath string) ([]ActionDef, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedManifest, path, err)
	}
	return GetActionsFromElement(doc.Root(), xpath)
}

// GetActionsFromData parses data as an access manifest and returns the
// actions found under xpath.
func GetActionsFromData(data []byte, xpath string) ([]ActionDef, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedManifest)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}
	return GetActionsFromElement(doc.Root(), xpath)
}

// GetActionsFromElement returns the action elements under xpath that carry
// a name, a title and a description. An empty xpath means
// DefaultActionsXPath.
func GetActionsFromElement(el *etree.Element, xpath string) ([]ActionDef, error) {
	if el == nil {
		return nil, fmt.Errorf("%w: no root element", ErrMalformedManifest)
	}
	if xpath == "" {
		xpath = DefaultActionsXPath
	}
	if !strings.HasSuffix(xpath, "/") {
		xpath += "/"
	}
	path, err := etree.CompilePath(xpath + "action")
	if err != nil {
		return nil, fmt.Errorf("%w: xpath %q: %v", ErrMalformedManifest, xpath, err)
	}
	actions := make([]ActionDef, 0)
	for _, a := range el.FindElementsPath(path) {
		name, title, desc := a.SelectAttr("name"), a.SelectAttr("title"), a.SelectAttr("description")
		if name == nil || title == nil || desc == nil {
			continue
		}
		actions = append(actions, ActionDef{
			Name:        name.Value,
			Title:       title.Value,
			Description: desc.Value,
		})
	}
	return actions, nil
}
