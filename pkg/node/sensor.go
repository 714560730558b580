package node

import (
	"math/rand/v2"
	"sync"
)

// Sensor 节点的硬件读数
type Sensor interface {
	Temperature() int16 // 单位0.01摄氏度
	RSSI() int16        // 最近一个报文的信号强度
	Tilt() uint32       // 倾斜开关累计触发次数
}

// SimulatedSensor 没有硬件时使用的模拟传感器，读数可以手动设置，也可以通过Step随机游走
type SimulatedSensor struct {
	mu          sync.Mutex
	rnd         *rand.Rand
	temperature int16
	rssi        int16
	tilt        uint32
}

func NewSimulatedSensor(seed uint64) *SimulatedSensor {
	return &SimulatedSensor{
		rnd:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		temperature: 2150,
		rssi:        -60,
	}
}

func (s *SimulatedSensor) Temperature() int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.temperature
}

func (s *SimulatedSensor) RSSI() int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rssi
}

func (s *SimulatedSensor) Tilt() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tilt
}

func (s *SimulatedSensor) SetTemperature(v int16) {
	s.mu.Lock()
	s.temperature = v
	s.mu.Unlock()
}

func (s *SimulatedSensor) SetRSSI(v int16) {
	s.mu.Lock()
	s.rssi = v
	s.mu.Unlock()
}

// Toggle 模拟一次倾斜开关触发
func (s *SimulatedSensor) Toggle() {
	s.mu.Lock()
	s.tilt++
	s.mu.Unlock()
}

// Step 温度在±0.25度内随机漂移，信号强度在[-90,-30]内抖动，小概率触发倾斜开关
func (s *SimulatedSensor) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temperature += int16(s.rnd.IntN(51) - 25)
	s.rssi = min(max(s.rssi+int16(s.rnd.IntN(7)-3), -90), -30)
	if s.rnd.IntN(20) == 0 {
		s.tilt++
	}
}
