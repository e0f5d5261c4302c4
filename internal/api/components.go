package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/delmic/odemis-sub009/internal/component"
)

// componentSummary is one entry of the component list.
type componentSummary struct {
	Ref       component.Ref  `json:"ref"`
	Role      string         `json:"role"`
	Parent    *component.Ref `json:"parent,omitempty"`
	Children  int            `json:"children"`
	VAs       int            `json:"vas"`
	DataFlows int            `json:"dataflows"`
}

// handleListComponents lists the components of the container.
func (s *Server) handleListComponents(w http.ResponseWriter, _ *http.Request) {
	comps := s.ct.Components()
	out := make([]componentSummary, 0, len(comps))
	for _, c := range comps {
		d := c.Describe()
		vas := len(d.VAs)
		if _, ok := d.VAs[component.ChildrenVA]; ok {
			vas-- // counted in Children
		}
		out = append(out, componentSummary{
			Ref:       d.Ref,
			Role:      d.Role,
			Parent:    d.Parent,
			Children:  len(c.Children()),
			VAs:       vas,
			DataFlows: len(d.DataFlows),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"container":  s.ct.Name(),
		"components": out,
		"count":      len(out),
	})
}

// handleGetComponent returns the descriptor of one component.
func (s *Server) handleGetComponent(w http.ResponseWriter, r *http.Request) {
	c, ok := s.component(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Describe())
}

// handleGetVA returns the current value of a VA.
func (s *Server) handleGetVA(w http.ResponseWriter, r *http.Request) {
	c, ok := s.component(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "va")
	a, err := c.VA(name)
	if err != nil {
		writeComponentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       name,
		"value":      a.Get(),
		"descriptor": a.Descriptor(),
	})
}

func (s *Server) component(w http.ResponseWriter, r *http.Request) (*component.Component, bool) {
	name := chi.URLParam(r, "name")
	c, err := s.ct.Component(name)
	if err != nil {
		writeComponentError(w, err)
		return nil, false
	}
	return c, true
}
