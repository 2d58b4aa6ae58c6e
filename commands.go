package keel

import (
	"errors"

	"go.uber.org/multierr"
)

type opKind uint8

const (
	opCreate opKind = iota
	opDestroy
	opSet
	opRemove
)

// op is one recorded structural write. Set and remove target a component
// slot by id; create carries an optional callback that receives the
// realized handle.
type op struct {
	kind   opKind
	entity Entity
	comp   ComponentID
	value  any
	create func(Entity)
}

// ApplyReport summarizes one buffer application. Skipped counts ops whose
// target entity died between recording and applying; those are dropped
// rather than failed.
type ApplyReport struct {
	Applied int
	Skipped int
}

// applyOps runs a drained op list against the world in record order. Ops
// against dead targets are skipped; other failures are collected and the
// remaining ops still run.
func (w *World) applyOps(ops []op) (ApplyReport, error) {
	var report ApplyReport
	if len(ops) == 0 {
		return report, nil
	}
	if w.guard.on {
		err := w.denyWrite("apply_buffer", 0, "")
		report.Skipped = len(ops)
		return report, err
	}

	var errs error
	for i := range ops {
		o := &ops[i]
		switch o.kind {
		case opCreate:
			e := w.table.Create()
			if o.create != nil {
				o.create(e)
			}
			report.Applied++
		case opDestroy:
			if err := w.DestroyEntity(o.entity); err != nil {
				if errors.Is(err, ErrDeadEntity) {
					report.Skipped++
					continue
				}
				errs = multierr.Append(errs, err)
				continue
			}
			report.Applied++
		case opSet:
			if err := w.SetID(o.entity, o.comp, o.value); err != nil {
				if errors.Is(err, ErrDeadEntity) {
					report.Skipped++
					continue
				}
				errs = multierr.Append(errs, err)
				continue
			}
			report.Applied++
		case opRemove:
			if err := w.RemoveID(o.entity, o.comp); err != nil {
				if errors.Is(err, ErrDeadEntity) {
					report.Skipped++
					continue
				}
				errs = multierr.Append(errs, err)
				continue
			}
			report.Applied++
		}
	}
	return report, errs
}
