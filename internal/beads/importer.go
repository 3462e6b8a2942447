// Package beads imports bead and convoy files from an external planning
// tool into the task store, and can watch the bead directory for new
// files.
package beads

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/internal/domain"
	"github.com/conductorhq/conductor/internal/store"
)

// Bead is one external unit of work. Beads reference each other by bead
// id; imported tasks carry the bead id in metadata for dedup.
type Bead struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Status             string   `json:"status"`
	Priority           string   `json:"priority"`
	Dependencies       []string `json:"dependencies"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Files              []string `json:"files"`
	Tags               []string `json:"tags"`
	EstimatedTokens    int64    `json:"estimated_tokens"`
}

// Convoy groups beads; member tasks get the convoy id and name stamped
// into metadata.
type Convoy struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Beads []string `json:"beads"`
}

// ImportResult counts the outcome of one directory pass.
type ImportResult struct {
	Imported int
	Skipped  int
}

// Importer maps bead files onto tasks in one project.
type Importer struct {
	st        *store.Store
	projectID string
	logger    *log.Logger
}

// NewImporter creates an importer targeting one project.
func NewImporter(st *store.Store, projectID string, logger *log.Logger) *Importer {
	return &Importer{st: st, projectID: projectID, logger: logger}
}

// mapStatus translates a bead status onto a task status. Unknown values
// fall back to pending.
func mapStatus(beadStatus string) domain.TaskStatus {
	switch beadStatus {
	case "complete":
		return domain.TaskCompleted
	case "in_progress":
		return domain.TaskInProgress
	case "blocked":
		return domain.TaskBlocked
	default:
		return domain.TaskPending
	}
}

// ImportDir reads every .json file under dir, creating one task per
// unseen bead and stamping convoy membership. A second pass over the
// same directory skips everything already imported.
func (im *Importer) ImportDir(dir string) (*ImportResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("bead import: %w", err)
	}

	var beads []Bead
	var convoys []Convoy
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			im.logger.Printf("BeadImporter: skipping %s: %v", e.Name(), err)
			continue
		}
		// A file carrying a beads member list is a convoy; anything
		// else is a single bead.
		var probe struct {
			Beads []string `json:"beads"`
		}
		if err := json.Unmarshal(data, &probe); err == nil && len(probe.Beads) > 0 {
			var c Convoy
			if err := json.Unmarshal(data, &c); err != nil {
				im.logger.Printf("BeadImporter: bad convoy %s: %v", e.Name(), err)
				continue
			}
			convoys = append(convoys, c)
			continue
		}
		var b Bead
		if err := json.Unmarshal(data, &b); err != nil || b.ID == "" {
			im.logger.Printf("BeadImporter: skipping %s: not a bead", e.Name())
			continue
		}
		beads = append(beads, b)
	}
	sort.Slice(beads, func(i, j int) bool { return beads[i].ID < beads[j].ID })

	taskByBead, err := im.existingBeadTasks()
	if err != nil {
		return nil, err
	}

	res := &ImportResult{}
	// Beads may depend on each other inside one batch, so creation is
	// retried until a pass makes no progress; stragglers are created
	// with whatever dependencies resolved.
	pending := make([]Bead, 0, len(beads))
	for _, b := range beads {
		if _, seen := taskByBead[b.ID]; seen {
			res.Skipped++
			continue
		}
		pending = append(pending, b)
	}
	for len(pending) > 0 {
		var deferred []Bead
		progress := false
		for _, b := range pending {
			unresolved := false
			for _, dep := range b.Dependencies {
				if _, ok := taskByBead[dep]; !ok && dep != b.ID {
					if inBatch(pending, dep) {
						unresolved = true
						break
					}
				}
			}
			if unresolved {
				deferred = append(deferred, b)
				continue
			}
			if err := im.createTask(b, taskByBead); err != nil {
				return nil, err
			}
			res.Imported++
			progress = true
		}
		if !progress {
			// Dependency cycle inside the batch; import as-is with the
			// resolvable subset.
			for _, b := range deferred {
				if err := im.createTask(b, taskByBead); err != nil {
					return nil, err
				}
				res.Imported++
			}
			break
		}
		pending = deferred
	}

	for _, c := range convoys {
		if err := im.stampConvoy(c, taskByBead); err != nil {
			return nil, err
		}
	}
	im.logger.Printf("BeadImporter: %s imported=%d skipped=%d", dir, res.Imported, res.Skipped)
	return res, nil
}

func inBatch(beads []Bead, beadID string) bool {
	for _, b := range beads {
		if b.ID == beadID {
			return true
		}
	}
	return false
}

// existingBeadTasks maps already-imported bead ids to their task ids.
func (im *Importer) existingBeadTasks() (map[string]string, error) {
	tasks, err := im.st.ListTasks(im.projectID, store.TaskFilter{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, t := range tasks {
		if beadID := t.Metadata[domain.MetaBeadID]; beadID != "" {
			out[beadID] = t.ID
		}
	}
	return out, nil
}

func (im *Importer) createTask(b Bead, taskByBead map[string]string) error {
	desc := b.Description
	if len(b.AcceptanceCriteria) > 0 {
		var sb strings.Builder
		sb.WriteString(desc)
		sb.WriteString("\n\nAcceptance criteria:\n")
		for _, c := range b.AcceptanceCriteria {
			sb.WriteString("- " + c + "\n")
		}
		desc = sb.String()
	}
	var deps []string
	for _, dep := range b.Dependencies {
		if taskID, ok := taskByBead[dep]; ok {
			deps = append(deps, taskID)
		}
	}
	t := &domain.Task{
		ID:              uuid.NewString(),
		ProjectID:       im.projectID,
		Title:           b.Title,
		Description:     desc,
		Status:          mapStatus(b.Status),
		Priority:        domain.TaskPriority(b.Priority),
		Dependencies:    deps,
		Files:           b.Files,
		Tags:            b.Tags,
		EstimatedTokens: b.EstimatedTokens,
		Metadata:        map[string]string{domain.MetaBeadID: b.ID},
	}
	if err := im.st.CreateTask(t); err != nil {
		return fmt.Errorf("bead %s: %w", b.ID, err)
	}
	taskByBead[b.ID] = t.ID
	return nil
}

func (im *Importer) stampConvoy(c Convoy, taskByBead map[string]string) error {
	for _, beadID := range c.Beads {
		taskID, ok := taskByBead[beadID]
		if !ok {
			im.logger.Printf("BeadImporter: convoy %s references unknown bead %s", c.ID, beadID)
			continue
		}
		_, err := im.st.UpdateTask(taskID, store.TaskUpdate{Metadata: map[string]string{
			domain.MetaConvoyID:   c.ID,
			domain.MetaConvoyName: c.Name,
		}})
		if err != nil {
			return fmt.Errorf("convoy %s: %w", c.ID, err)
		}
	}
	return nil
}
