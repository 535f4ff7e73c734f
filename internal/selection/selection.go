package selection

// State 当前选择状态，空字符串表示未选中
type State struct {
	Selected      string `json:"selected"`
	HistoryActive string `json:"history_active"`
}

// Change 一次操作产生的变化
type Change struct {
	Previous         State
	SelectionChanged bool
	HistoryChanged   bool
}

// Any 是否有任何变化
func (c Change) Any() bool {
	return c.SelectionChanged || c.HistoryChanged
}

// Controller 选择控制器
//
// 历史模式属于具体车辆而不是"当前选中"：选中切换到其他车辆时，
// 历史模式随之清除；重复选中同一辆车不会影响历史模式。
type Controller struct {
	state State
}

// NewController 创建选择控制器
func NewController() *Controller {
	return &Controller{}
}

// State 获取当前状态
func (c *Controller) State() State {
	return c.state
}

// Select 选中车辆
func (c *Controller) Select(id string) Change {
	prev := c.state
	c.state.Selected = id
	if c.state.HistoryActive != id {
		c.state.HistoryActive = ""
	}
	return c.diff(prev)
}

// ToggleHistory 切换车辆的历史模式
func (c *Controller) ToggleHistory(id string) Change {
	prev := c.state
	if c.state.HistoryActive == id {
		c.state.HistoryActive = ""
	} else {
		c.state.HistoryActive = id
	}
	return c.diff(prev)
}

// Clear 取消选中
func (c *Controller) Clear() Change {
	return c.Select("")
}

// Forget 车辆从快照中消失时清理对它的引用
func (c *Controller) Forget(id string) Change {
	prev := c.state
	if c.state.Selected == id {
		c.state.Selected = ""
	}
	if c.state.HistoryActive == id {
		c.state.HistoryActive = ""
	}
	return c.diff(prev)
}

func (c *Controller) diff(prev State) Change {
	return Change{
		Previous:         prev,
		SelectionChanged: prev.Selected != c.state.Selected,
		HistoryChanged:   prev.HistoryActive != c.state.HistoryActive,
	}
}
