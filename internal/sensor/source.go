package sensor

import (
	"math"

	"codeberg.org/mutker/thermald/internal/errors"
	"codeberg.org/mutker/thermald/internal/sysfs"
	"github.com/yryz/ds18b20"
)

const ErrReadSource = errors.ErrorCode("sensor_read_failed")

// Source yields a temperature in millidegrees Celsius.
type Source interface {
	Temperature() (int, error)
}

// NodeSource reads a thermal zone or hwmon attribute. An unopened node reads
// as 0.
type NodeSource struct {
	node *sysfs.Node
}

func NewNodeSource(path string) *NodeSource {
	return &NodeSource{node: sysfs.OpenReader(path)}
}

func (s *NodeSource) Opened() bool {
	return s.node.Opened()
}

func (s *NodeSource) Temperature() (int, error) {
	return s.node.ReadInt()
}

func (s *NodeSource) Close() error {
	return s.node.Close()
}

// W1Source reads a DS18B20 probe on the 1-wire bus by its device id.
type W1Source struct {
	id string
}

func NewW1Source(id string) *W1Source {
	return &W1Source{id: id}
}

func (s *W1Source) Temperature() (int, error) {
	celsius, err := ds18b20.Temperature(s.id)
	if err != nil {
		return 0, errors.New().Wrap(ErrReadSource, err).WithData(s.id)
	}

	return int(math.Round(celsius * 1000)), nil
}
