package pipeline

import (
	"path/filepath"

	gojson "github.com/goccy/go-json"

	"github.com/cdlib/journal-transporter/pkg/resource"
)

// loadGraph rebuilds the arena from a run container's persisted indexes,
// so fetch and push can run in a separate invocation from the one that
// indexed. Node states are recovered from what the store holds: an index
// entry alone means Indexed, a present detail document means Fetched, and
// a detail carrying a target record key means Pushed.
func (s *Session) loadGraph() error {
	s.graph = resource.NewGraph()
	for _, def := range resource.Structure() {
		if err := s.loadContainer(resource.NoParent, s.run.ContainerPath(string(def.Type)), def); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) loadContainer(parentID int, container string, def *resource.Definition) error {
	entries, err := s.run.ReadIndex(container)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		node := &resource.Node{
			Type:          def.Type,
			UUID:          entry.UUID,
			Parent:        parentID,
			SourceKey:     entry.SourceKey,
			KeyAttributes: entry.KeyAttributes,
			AttachedFiles: entry.Files,
			State:         resource.StateIndexed,
		}

		own := filepath.Join(container, entry.UUID.String())
		if s.run.HasDetail(own, def.Type) {
			detail, err := s.run.ReadDetail(own, def.Type)
			if err != nil {
				return err
			}
			node.Detail = detail
			node.State = resource.StateFetched

			var pushed struct {
				TargetKey string `json:"target_record_key"`
			}
			gojson.Unmarshal(detail, &pushed)
			if pushed.TargetKey != "" {
				node.TargetID = pushed.TargetKey
				node.State = resource.StatePushed
			}
		}

		id, err := s.graph.Add(node)
		if err != nil {
			return err
		}
		for _, childDef := range def.Children {
			if err := s.loadContainer(id, filepath.Join(own, string(childDef.Type)), childDef); err != nil {
				return err
			}
		}
	}
	return nil
}
