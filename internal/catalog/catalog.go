package catalog

import "sort"

// Command is a movement command name as sent by operators and firmware.
type Command string

// Movement commands.
const (
	Forward       Command = "forward"
	Backward      Command = "backward"
	Left          Command = "left"
	Right         Command = "right"
	Stop          Command = "stop"
	RotateLeft    Command = "rotate_left"
	RotateRight   Command = "rotate_right"
	ForwardLeft   Command = "forward_left"
	ForwardRight  Command = "forward_right"
	BackwardLeft  Command = "backward_left"
	BackwardRight Command = "backward_right"
)

// Status describes one status_clave row.
type Status struct {
	Code        int    `json:"status_clave"`
	Text        string `json:"status_texto"`
	Description string `json:"description"`
}

// Entry pairs a command with its operational status.
type Entry struct {
	Command Command `json:"command"`
	Status
}

var movements = []Entry{
	{Forward, Status{1, "Adelante", "Avanzar en línea recta"}},
	{Backward, Status{2, "Atrás", "Retroceder en línea recta"}},
	{Left, Status{3, "Izquierda", "Girar a la izquierda"}},
	{Right, Status{4, "Derecha", "Girar a la derecha"}},
	{Stop, Status{5, "Detener", "Detener todos los motores"}},
	{RotateLeft, Status{6, "Giro 360° izquierda", "Rotar sobre su eje hacia la izquierda"}},
	{RotateRight, Status{7, "Giro 360° derecha", "Rotar sobre su eje hacia la derecha"}},
	{ForwardLeft, Status{8, "Adelante + Izquierda", "Avanzar curvando a la izquierda"}},
	{ForwardRight, Status{9, "Adelante + Derecha", "Avanzar curvando a la derecha"}},
	{BackwardLeft, Status{10, "Atrás + Izquierda", "Retroceder curvando a la izquierda"}},
	{BackwardRight, Status{11, "Atrás + Derecha", "Retroceder curvando a la derecha"}},
}

// Obstacle status codes.
const (
	ObstacleFront         = 1
	ObstacleFrontLeft     = 2
	ObstacleFrontRight    = 3
	ObstacleMultipleFront = 4
	ObstacleRear          = 5
)

var obstacles = []Status{
	{ObstacleFront, "Adelante", "Obstáculo al frente"},
	{ObstacleFrontLeft, "Adelante-Izquierda", "Obstáculo al frente a la izquierda"},
	{ObstacleFrontRight, "Adelante-Derecha", "Obstáculo al frente a la derecha"},
	{ObstacleMultipleFront, "Múltiples frentes", "Obstáculos en varias direcciones"},
	{ObstacleRear, "Atrás", "Obstáculo detrás"},
}

// Distance thresholds in centimetres for simulated obstacle reports.
// They are compatibility constants, not a model of any sensor.
const (
	NearThresholdCm = 10
	FarThresholdCm  = 20
)

var (
	byName         map[Command]Entry
	byCode         map[int]Entry
	obstacleByCode map[int]Status
)

func init() {
	byName = make(map[Command]Entry, len(movements))
	byCode = make(map[int]Entry, len(movements))
	for _, e := range movements {
		byName[e.Command] = e
		byCode[e.Code] = e
	}

	obstacleByCode = make(map[int]Status, len(obstacles))
	for _, s := range obstacles {
		obstacleByCode[s.Code] = s
	}
}

// Lookup resolves a command name to its status code.
// The boolean is false for any name outside the catalog, including "".
func Lookup(name string) (int, bool) {
	e, ok := byName[Command(name)]
	return e.Code, ok
}

// CommandFor returns the command name for a movement status code.
func CommandFor(code int) (Command, bool) {
	e, ok := byCode[code]
	return e.Command, ok
}

// Names returns every valid command name in status code order.
func Names() []string {
	names := make([]string, len(movements))
	for i, e := range movements {
		names[i] = string(e.Command)
	}
	return names
}

// Movements returns the movement table in status code order.
func Movements() []Entry {
	out := make([]Entry, len(movements))
	copy(out, movements)
	return out
}

// OperationalStatuses returns the operational status table in code order.
func OperationalStatuses() []Status {
	out := make([]Status, len(movements))
	for i, e := range movements {
		out[i] = e.Status
	}
	return out
}

// ObstacleStatuses returns the obstacle status table in code order.
func ObstacleStatuses() []Status {
	out := make([]Status, len(obstacles))
	copy(out, obstacles)
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// IsObstacleStatus reports whether code is in the obstacle status table.
func IsObstacleStatus(code int) bool {
	_, ok := obstacleByCode[code]
	return ok
}

// ObstacleStatusForDistance maps a measured distance onto an obstacle status.
//
//	distance < 10        -> multiple fronts (4)
//	10 <= distance < 20  -> front (1)
//	distance >= 20       -> front-left (2)
func ObstacleStatusForDistance(distanceCm int) int {
	switch {
	case distanceCm < NearThresholdCm:
		return ObstacleMultipleFront
	case distanceCm < FarThresholdCm:
		return ObstacleFront
	default:
		return ObstacleFrontLeft
	}
}
