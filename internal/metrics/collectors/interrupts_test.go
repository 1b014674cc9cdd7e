package collectors

import (
	"strings"
	"testing"
)

func TestInterruptCollectorParseLine(t *testing.T) {
	c := &InterruptCollector{}

	tests := []struct {
		name       string
		line       string
		cpus       int
		wantIRQ    string
		wantTotal  float64
		wantAction string
		wantErr    bool
	}{
		{
			name:       "two cpus",
			line:       "17:    1200    34   IO-APIC   17-fasteoi   cx0",
			cpus:       2,
			wantIRQ:    "17",
			wantTotal:  1234,
			wantAction: "cx0",
		},
		{
			name:       "single cpu",
			line:       "5: 42 XT-PIC cx1",
			cpus:       1,
			wantIRQ:    "5",
			wantTotal:  42,
			wantAction: "cx1",
		},
		{
			name:    "non numeric counts",
			line:    "NMI: abc def Non-maskable interrupts",
			cpus:    2,
			wantErr: true,
		},
		{
			name:    "insufficient fields",
			line:    "17: 1200",
			cpus:    2,
			wantErr: true,
		},
		{
			name:    "no label",
			line:    "just words",
			cpus:    1,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := c.parseLine(tt.line, tt.cpus)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if l.IRQ != tt.wantIRQ {
				t.Errorf("IRQ = %q, want %q", l.IRQ, tt.wantIRQ)
			}
			if l.Total != tt.wantTotal {
				t.Errorf("Total = %v, want %v", l.Total, tt.wantTotal)
			}
			if l.Action != tt.wantAction {
				t.Errorf("Action = %q, want %q", l.Action, tt.wantAction)
			}
		})
	}
}

func TestInterruptCollectorParseContent(t *testing.T) {
	c := &InterruptCollector{}

	content := `           CPU0       CPU1
  0:         40          0   IO-APIC    2-edge      timer
 17:       1000        500   IO-APIC   17-fasteoi   cx0

NMI:          0          0   Non-maskable interrupts
 18:          7          3   IO-APIC   18-fasteoi   cx1`

	lines, err := c.parseContent(strings.NewReader(content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4", len(lines))
	}

	expected := []struct {
		irq    string
		total  float64
		action string
	}{
		{"0", 40, "timer"},
		{"17", 1500, "cx0"},
		{"NMI", 0, "interrupts"},
		{"18", 10, "cx1"},
	}
	for i, exp := range expected {
		if lines[i].IRQ != exp.irq {
			t.Errorf("line[%d].IRQ = %q, want %q", i, lines[i].IRQ, exp.irq)
		}
		if lines[i].Total != exp.total {
			t.Errorf("line[%d].Total = %v, want %v", i, lines[i].Total, exp.total)
		}
		if lines[i].Action != exp.action {
			t.Errorf("line[%d].Action = %q, want %q", i, lines[i].Action, exp.action)
		}
	}
}

func TestInterruptCollectorEmptyContent(t *testing.T) {
	c := &InterruptCollector{}

	lines, err := c.parseContent(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("got %d lines, want 0", len(lines))
	}
}
