package endpoint

import (
	"encoding/json"

	"github.com/ocapkernel/vatkernel/internal/kernel/capdata"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
)

func decodeSend(params json.RawMessage) (Syscall, error) {
	var p struct {
		Target    refs.VRef       `json:"target"`
		Methargs  capdata.CapData `json:"methargs"`
		Result    refs.VRef       `json:"result,omitempty"`
		HasResult bool            `json:"hasResult,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return Syscall{}, err
	}
	return Syscall{Kind: SyscallSend, Target: p.Target, Methargs: p.Methargs, Result: p.Result, HasResult: p.HasResult}, nil
}

func decodeSubscribe(params json.RawMessage) (Syscall, error) {
	var p struct {
		Kpid refs.VRef `json:"kpid"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return Syscall{}, err
	}
	return Syscall{Kind: SyscallSubscribe, Kpid: p.Kpid}, nil
}

func decodeResolve(params json.RawMessage) (Syscall, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(params, &rows); err != nil {
		return Syscall{}, err
	}
	var resolutions []SyscallResolution
	for _, row := range rows {
		if len(row) != 3 {
			continue
		}
		var kpid refs.VRef
		var rejected bool
		var data capdata.CapData
		if err := json.Unmarshal(row[0], &kpid); err != nil {
			return Syscall{}, err
		}
		if err := json.Unmarshal(row[1], &rejected); err != nil {
			return Syscall{}, err
		}
		if err := json.Unmarshal(row[2], &data); err != nil {
			return Syscall{}, err
		}
		resolutions = append(resolutions, SyscallResolution{Kpid: kpid, Rejected: rejected, Data: data})
	}
	return Syscall{Kind: SyscallResolve, Resolutions: resolutions}, nil
}

func decodeExit(params json.RawMessage) (Syscall, error) {
	var p struct {
		IsFailure bool            `json:"isFailure"`
		Info      capdata.CapData `json:"info"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return Syscall{}, err
	}
	return Syscall{Kind: SyscallExit, IsFailure: p.IsFailure, Info: p.Info}, nil
}

func decodeVRefList(params json.RawMessage, kind SyscallKind) (Syscall, error) {
	var vrefs []refs.VRef
	if err := json.Unmarshal(params, &vrefs); err != nil {
		return Syscall{}, err
	}
	return Syscall{Kind: kind, VRefs: vrefs}, nil
}
