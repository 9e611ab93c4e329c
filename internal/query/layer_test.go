package query

import "bytes"

type fakeLayer struct {
	beginState State
	produced   []string
	step       int
	consumeOut State
}

func (f *fakeLayer) Begin(params any) State { return f.beginState }

func (f *fakeLayer) Consume(incoming []byte) State { return f.consumeOut }

func (f *fakeLayer) Produce(out *bytes.Buffer) State {
	if f.step >= len(f.produced) {
		return StateDONE
	}
	out.WriteString(f.produced[f.step])
	f.step++
	if f.step >= len(f.produced) {
		return StateDONE
	}
	return StatePRODUCE
}

func (f *fakeLayer) Finish() {}
