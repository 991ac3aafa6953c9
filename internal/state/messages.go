package state

import (
	"context"
	"fmt"
	"time"

	"worktally/internal/domain"
)

// Message is a request sent to a State: a Query reads, a Command
// mutates. Do dispatches on the concrete type.
type Message interface{ isMessage() }

// Query marks read-only messages.
type Query interface {
	Message
	isQuery()
}

// Command marks mutating messages. A failed command appends nothing to
// the change log.
type Command interface {
	Message
	isCommand()
}

type query struct{}

func (query) isMessage() {}
func (query) isQuery()   {}

type command struct{}

func (command) isMessage() {}
func (command) isCommand() {}

type (
	// GetProjectQuery asks for one project by id.
	GetProjectQuery struct {
		query
		ID domain.ProjectID
	}
	// ListProjectsQuery asks for every project in creation order.
	ListProjectsQuery struct{ query }
	// GetSliceQuery asks for one work slice by id.
	GetSliceQuery struct {
		query
		ID domain.WorkSliceID
	}
	// ProjectSlicesQuery asks for a project's member slices.
	ProjectSlicesQuery struct {
		query
		ID domain.ProjectID
	}
	// SliceProjectsQuery asks which projects contain a slice.
	SliceProjectsQuery struct {
		query
		ID domain.WorkSliceID
	}
	// AmountOwedQuery asks for the total owed across a project's slices.
	AmountOwedQuery struct {
		query
		ID domain.ProjectID
	}
	// SnapshotQuery asks for a full read of all current entities.
	SnapshotQuery struct{ query }
)

type (
	// CreateProjectCmd registers an empty project.
	CreateProjectCmd struct {
		command
		Name        string
		Description string
	}
	// RenameProjectCmd replaces a project's name.
	RenameProjectCmd struct {
		command
		ID   domain.ProjectID
		Name string
	}
	// RedescribeProjectCmd replaces a project's description.
	RedescribeProjectCmd struct {
		command
		ID          domain.ProjectID
		Description string
	}
	// DeleteProjectCmd removes a project; member slices survive.
	DeleteProjectCmd struct {
		command
		ID domain.ProjectID
	}
	// CreateSliceCmd creates a slice, optionally pre-linked.
	CreateSliceCmd struct {
		command
		Start      time.Time
		End        *time.Time
		Payment    domain.Payment
		ProjectIDs []domain.ProjectID
	}
	// StartWorkCmd opens an Incomplete slice on a project. A zero
	// Start means now.
	StartWorkCmd struct {
		command
		ProjectID domain.ProjectID
		Payment   domain.Payment
		Start     time.Time
	}
	// CompleteWorkCmd closes a slice's span. A zero End means now.
	CompleteWorkCmd struct {
		command
		ID  domain.WorkSliceID
		End time.Time
	}
	// SetPaymentCmd replaces a slice's payment terms.
	SetPaymentCmd struct {
		command
		ID      domain.WorkSliceID
		Payment domain.Payment
	}
	// LinkCmd adds a slice to a project's set.
	LinkCmd struct {
		command
		ProjectID domain.ProjectID
		SliceID   domain.WorkSliceID
	}
	// UnlinkCmd removes a slice from a project's set.
	UnlinkCmd struct {
		command
		ProjectID domain.ProjectID
		SliceID   domain.WorkSliceID
	}
	// DeleteSliceCmd destroys a slice everywhere.
	DeleteSliceCmd struct {
		command
		ID domain.WorkSliceID
	}
)

// Response carries the answer to a Message. Only the fields relevant to
// the message kind are set.
type Response struct {
	Project    *domain.ProjectSnapshot  `json:"project,omitempty"`
	Projects   []domain.ProjectSnapshot `json:"projects,omitempty"`
	Slice      *domain.SliceSnapshot    `json:"slice,omitempty"`
	Slices     []domain.SliceSnapshot   `json:"slices,omitempty"`
	ProjectIDs []domain.ProjectID       `json:"project_ids,omitempty"`
	Owed       *domain.Money            `json:"owed,omitempty"`
	Snapshot   *domain.Snapshot         `json:"snapshot,omitempty"`
}

// Do routes a message to the State. Queries never mutate; commands
// append to the change log on success.
func (s *State) Do(ctx context.Context, msg Message) (Response, error) {
	switch m := msg.(type) {
	case *GetProjectQuery:
		snap, err := s.GetProject(ctx, m.ID)
		if err != nil {
			return Response{}, err
		}
		return Response{Project: &snap}, nil
	case *ListProjectsQuery:
		snaps, err := s.ListProjects(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Projects: snaps}, nil
	case *GetSliceQuery:
		snap, err := s.GetSlice(ctx, m.ID)
		if err != nil {
			return Response{}, err
		}
		return Response{Slice: &snap}, nil
	case *ProjectSlicesQuery:
		snaps, err := s.ProjectSlices(ctx, m.ID)
		if err != nil {
			return Response{}, err
		}
		return Response{Slices: snaps}, nil
	case *SliceProjectsQuery:
		ids, err := s.SliceProjects(ctx, m.ID)
		if err != nil {
			return Response{}, err
		}
		if ids == nil {
			ids = []domain.ProjectID{}
		}
		return Response{ProjectIDs: ids}, nil
	case *AmountOwedQuery:
		owed, err := s.AmountOwed(ctx, m.ID)
		if err != nil {
			return Response{}, err
		}
		return Response{Owed: &owed}, nil
	case *SnapshotQuery:
		snap, err := s.Snapshot(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Snapshot: &snap}, nil
	case *CreateProjectCmd:
		snap, err := s.CreateProject(ctx, m.Name, m.Description)
		if err != nil {
			return Response{}, err
		}
		return Response{Project: &snap}, nil
	case *RenameProjectCmd:
		return Response{}, s.RenameProject(ctx, m.ID, m.Name)
	case *RedescribeProjectCmd:
		return Response{}, s.RedescribeProject(ctx, m.ID, m.Description)
	case *DeleteProjectCmd:
		return Response{}, s.DeleteProject(ctx, m.ID)
	case *CreateSliceCmd:
		snap, err := s.CreateSlice(ctx, SliceCreateOptions{
			Start:      m.Start,
			End:        m.End,
			Payment:    m.Payment,
			ProjectIDs: m.ProjectIDs,
		})
		if err != nil {
			return Response{}, err
		}
		return Response{Slice: &snap}, nil
	case *StartWorkCmd:
		snap, err := s.StartWork(ctx, m.ProjectID, m.Payment, m.Start)
		if err != nil {
			return Response{}, err
		}
		return Response{Slice: &snap}, nil
	case *CompleteWorkCmd:
		return Response{}, s.CompleteWork(ctx, m.ID, m.End)
	case *SetPaymentCmd:
		return Response{}, s.SetPayment(ctx, m.ID, m.Payment)
	case *LinkCmd:
		return Response{}, s.Link(ctx, m.ProjectID, m.SliceID)
	case *UnlinkCmd:
		return Response{}, s.Unlink(ctx, m.ProjectID, m.SliceID)
	case *DeleteSliceCmd:
		return Response{}, s.DeleteSlice(ctx, m.ID)
	default:
		return Response{}, fmt.Errorf("unknown message type %T", msg)
	}
}
