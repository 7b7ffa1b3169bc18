package simuniverse

import "reflect"

// Command is a deferred mutation a mutator requests via
// ExecutionContext.Defer instead of opening its own write access —
// useful when the insert/delete belongs logically to the end of the
// mutator's turn rather than to one of its declared bindings. Applied
// by the scheduler right after the mutator that queued them returns,
// before the layer's EndStep, following the teacher's Command/ApplyCommands pattern
// (commands.go, api.go's StorageProvider.Apply), retargeted from
// entity/component commands to record insert/delete commands.
type Command interface {
	Apply(repo *Repository) error
}

// NewInsertRecordCommand enqueues an indexed-record insertion. If target
// is non-nil it receives the allocated handle once the command runs.
func NewInsertRecordCommand(t reflect.Type, value any, target *RecordHandle) Command {
	return insertRecordCommand{typ: t, value: value, target: target}
}

// NewDeleteRecordCommand enqueues removal of an indexed record by handle.
func NewDeleteRecordCommand(t reflect.Type, handle RecordHandle) Command {
	return deleteRecordCommand{typ: t, handle: handle}
}

type insertRecordCommand struct {
	typ    reflect.Type
	value  any
	target *RecordHandle
}

type deleteRecordCommand struct {
	typ    reflect.Type
	handle RecordHandle
}

func (c insertRecordCommand) Apply(repo *Repository) error {
	tok, err := repo.engine.Execute(InsertBinding(c.typ))
	if err != nil {
		return err
	}
	rtok := tok.(*RecordToken)
	if c.value != nil {
		storage, _ := repo.indexed(c.typ)
		storage.Set(rtok.Handle(), c.value)
	}
	if c.target != nil {
		*c.target = rtok.Handle()
	}
	rtok.Close()
	return nil
}

func (c deleteRecordCommand) Apply(repo *Repository) error {
	storage, ok := repo.indexed(c.typ)
	if !ok {
		return ErrUnknownType
	}
	repo.arbiter.WriteAcquire(c.typ)
	repo.router.recordRemove(repo, c.typ, c.handle)
	storage.StageDelete(c.handle)
	repo.arbiter.WriteRelease(c.typ)
	return nil
}

var (
	_ Command = insertRecordCommand{}
	_ Command = deleteRecordCommand{}
)
