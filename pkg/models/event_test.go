package models

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

func TestPatrolTransitionsFireOnce(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	p := NewPatrol("verify", func(nodeID string, state PatrolState) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, nodeID+":"+state.String())
	})

	assert.False(t, p.Apply("n1", PatrolLeave), "leave before enter")
	assert.True(t, p.Apply("n1", PatrolEnter))
	assert.False(t, p.Apply("n1", PatrolEnter))
	assert.True(t, p.Apply("n1", PatrolLeave))
	assert.False(t, p.Apply("n1", PatrolLeave))
	assert.True(t, p.Apply("n2", PatrolEnter))

	assert.Equal(t, []string{"n1:enter", "n1:leave", "n2:enter"}, seen)
	assert.Equal(t, PatrolLeave, p.State("n1"))
	assert.Equal(t, PatrolEnter, p.State("n2"))
	assert.Equal(t, PatrolNone, p.State("n3"))
}

func TestPatrolConcurrentEnter(t *testing.T) {
	var mu sync.Mutex
	count := 0
	p := NewPatrol("", func(string, PatrolState) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Apply("node", PatrolEnter)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, count)
}

func TestCloneCopiesImages(t *testing.T) {
	in := NewInsert("orders", map[string]interface{}{"id": 1})
	in.Info = map[string]interface{}{"k": "v"}

	c := Clone(in).(*InsertRecord)
	c.After["id"] = 2
	c.Info["k"] = "changed"

	assert.Equal(t, 1, in.After["id"])
	assert.Equal(t, "v", in.Info["k"])
	assert.Equal(t, "orders", c.TableID)

	table := schema.NewTable("orders")
	table.Add(schema.NewField("id", "int"))
	f := &Forerunner{Table: table}
	cf := Clone(f).(*Forerunner)
	cf.Table.Field("id").DataType = "bigint"
	assert.Equal(t, "int", table.Field("id").DataType)

	p := NewPatrol("", nil)
	assert.Same(t, p, Clone(p))
}

func TestEventUnion(t *testing.T) {
	events := []Event{
		NewInsert("t", map[string]interface{}{}),
		NewUpdate("t", nil, map[string]interface{}{}),
		NewDelete("t", map[string]interface{}{}),
		&CreateTable{}, &AlterTable{}, &ClearTable{}, &DropTable{},
		&Forerunner{}, &External{}, NewPatrol("", nil),
	}
	names := map[string]bool{}
	for _, e := range events {
		name := Name(e)
		require.NotEqual(t, "unknown", name)
		names[name] = true
	}
	assert.Len(t, names, len(events))

	update := NewUpdate("t", map[string]interface{}{"a": 1}, map[string]interface{}{"a": 2})
	assert.Len(t, update.Images(), 2)

	var rec RecordEvent = update
	rec.Head().Stamp("t", "memory", "io.pdk", "1.0")
	assert.Equal(t, "memory", update.PluginID)
}
