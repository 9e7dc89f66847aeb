package cluster

import (
	"errors"
	"sort"

	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

// ErrNoAvailableMachine 沒有在線且空閒的機器
var ErrNoAvailableMachine = errors.New("no available machine")

// RankMachines 依偏好排序在線且空閒的機器
//
// 排序鍵: priority 小者優先，其次 current_tasks，再其次 response_time；
// 全部相同時維持 registry 順序。
func RankMachines(machines []types.Machine) []types.Machine {
	var out []types.Machine
	for _, m := range machines {
		if m.IsOnline && !m.IsBusy {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.CurrentTasks != b.CurrentTasks {
			return a.CurrentTasks < b.CurrentTasks
		}
		return a.ResponseTime < b.ResponseTime
	})
	return out
}

// SelectBestMachine 選出排序第一的機器
func SelectBestMachine(machines []types.Machine) (types.Machine, error) {
	ranked := RankMachines(machines)
	if len(ranked) == 0 {
		return types.Machine{}, ErrNoAvailableMachine
	}
	return ranked[0], nil
}
