package capture

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// CompileBPF compiles a tcpdump-style filter expression for link type lt.
func CompileBPF(filter string, lt layers.LinkType, snapLen int) ([]bpf.RawInstruction, error) {
	pcapBPF, err := pcap.CompileBPFFilter(lt, snapLen, filter)
	if err != nil {
		return nil, fmt.Errorf("compile bpf filter %q: %w", filter, err)
	}

	raw := make([]bpf.RawInstruction, len(pcapBPF))
	for i, ins := range pcapBPF {
		raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return raw, nil
}

// userFilter evaluates a compiled filter in user space, for sources the
// kernel cannot filter.
type userFilter struct {
	vm *bpf.VM
}

func newUserFilter(filter string, lt layers.LinkType, snapLen int) (*userFilter, error) {
	raw, err := CompileBPF(filter, lt, snapLen)
	if err != nil {
		return nil, err
	}
	insns, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("bpf filter %q: unsupported instruction", filter)
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("bpf filter %q: %w", filter, err)
	}
	return &userFilter{vm: vm}, nil
}

// accept reports whether the filter keeps frame.
func (f *userFilter) accept(frame []byte) bool {
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}
