package models

import "time"

// Vehicle 车辆 (快照中的一个实体)
type Vehicle struct {
	ID           string        `json:"id" db:"id" validate:"required"`
	Name         string        `json:"name" db:"name"`
	Plate        string        `json:"plate" db:"plate"`
	Model        string        `json:"model" db:"model"`
	Driver       string        `json:"driver,omitempty" db:"driver"`
	Status       VehicleStatus `json:"status" db:"status" validate:"oneof=online offline moving idle maintenance"`
	LastPosition Position      `json:"last_position"`
	History      []Position    `json:"history"`
	UpdatedAt    time.Time     `json:"updated_at,omitempty" db:"updated_at"`
}

// Clone 深拷贝，快照之间不共享 History
func (v *Vehicle) Clone() *Vehicle {
	if v == nil {
		return nil
	}
	c := *v
	if v.History != nil {
		c.History = make([]Position, len(v.History))
		copy(c.History, v.History)
	}
	return &c
}

// CloneAll 拷贝整个快照
func CloneAll(vehicles []*Vehicle) []*Vehicle {
	out := make([]*Vehicle, 0, len(vehicles))
	for _, v := range vehicles {
		out = append(out, v.Clone())
	}
	return out
}
