package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFrameInstalledAtStartup(t *testing.T) {
	s := NewStack()
	assert.Equal(t, 1, s.Depth())
	cur := s.Current()
	require.NotNil(t, cur.Container)
	assert.Equal(t, ContainerNone, cur.Container.Mode)
	assert.Equal(t, "local", cur.JobHandler)
}

func TestEnterFrameInheritsUnspecifiedKeys(t *testing.T) {
	s := NewStack()
	exit := s.EnterFrame(Frame{Container: &Container{Mode: ContainerUseDeclared}})
	defer exit()

	cur := s.Current()
	assert.Equal(t, ContainerUseDeclared, cur.Container.Mode)
	assert.Equal(t, "local", cur.JobHandler) // inherited
}

func TestExitAlwaysReturnsStackToPreEntryDepth_Recovered(t *testing.T) {
	s := NewStack()
	depthBefore := s.Depth()

	func() {
		defer func() { _ = recover() }()
		exit := s.EnterFrame(Frame{JobHandler: "parallel"})
		defer exit()
		panic("boom")
	}()

	assert.Equal(t, depthBefore, s.Depth())
}

func TestNestedFramesComposeAsAStack(t *testing.T) {
	s := NewStack()
	exit1 := s.EnterFrame(Frame{JobHandler: "parallel"})
	exit2 := s.EnterFrame(Frame{JobCache: "mycache"})

	cur := s.Current()
	assert.Equal(t, "parallel", cur.JobHandler) // inherited from frame 1
	assert.Equal(t, "mycache", cur.JobCache)

	exit2()
	assert.Equal(t, "", s.Current().JobCache)
	exit1()
	assert.Equal(t, "local", s.Current().JobHandler)
}

func TestResetReinstallsDefaultFrame(t *testing.T) {
	s := NewStack()
	exit := s.EnterFrame(Frame{JobHandler: "batch"})
	defer exit()

	s.Reset()
	assert.Equal(t, 1, s.Depth())
	assert.Equal(t, "local", s.Current().JobHandler)
}
