package robot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial"
)

// FoundArm is an SO-101 arm detected on a serial port. The bus is left open.
type FoundArm struct {
	Port   string
	Servos []feetech.FoundServo
	Bus    *feetech.Bus
}

// FindArms probes every serial port for an SO-101 arm.
// Ports that do not answer with servo IDs 1-6 are skipped.
func FindArms(ctx context.Context) ([]FoundArm, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}

	var arms []FoundArm
	for _, port := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(port, "Bluetooth") {
			continue
		}

		bus, servos, err := ScanArm(ctx, port)
		if err != nil {
			continue
		}
		arms = append(arms, FoundArm{Port: port, Servos: servos, Bus: bus})
	}
	return arms, nil
}

// ScanArm opens port and checks that an SO-101 arm answers on it.
func ScanArm(ctx context.Context, port string) (*feetech.Bus, []feetech.FoundServo, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	bus, err := OpenBus(port)
	if err != nil {
		return nil, nil, err
	}

	servos, err := bus.Scan(ctx, 1, len(AllMotors()))
	if err != nil {
		bus.Close()
		return nil, nil, fmt.Errorf("scan %s: %w", port, err)
	}

	ids := make([]int, len(servos))
	for i, s := range servos {
		ids[i] = s.ID
	}
	if !IsSOArm(ids) {
		bus.Close()
		return nil, nil, fmt.Errorf("%s: not an SO-101 arm (expected 6 servos with IDs 1-6)", port)
	}

	return bus, servos, nil
}

// IsSOArm reports whether ids are exactly the servo IDs 1-6.
func IsSOArm(ids []int) bool {
	if len(ids) != len(AllMotors()) {
		return false
	}

	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for i := 1; i <= len(AllMotors()); i++ {
		if !seen[i] {
			return false
		}
	}
	return true
}
