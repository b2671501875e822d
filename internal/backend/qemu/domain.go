package qemu

import (
	"encoding/xml"

	"github.com/harunnryd/kura/internal/backend"
	"github.com/harunnryd/kura/internal/sandbox"
)

const defaultMemoryMiB = 1024

type domain struct {
	XMLName xml.Name      `xml:"domain"`
	Type    string        `xml:"type,attr"`
	Name    string        `xml:"name"`
	Memory  domainMemory  `xml:"memory"`
	VCPU    int           `xml:"vcpu"`
	OS      domainOS      `xml:"os"`
	Devices domainDevices `xml:"devices"`
}

type domainMemory struct {
	Unit  string `xml:"unit,attr"`
	Value int64  `xml:",chardata"`
}

type domainOS struct {
	Type domainOSType `xml:"type"`
}

type domainOSType struct {
	Arch    string `xml:"arch,attr"`
	Machine string `xml:"machine,attr,omitempty"`
	Value   string `xml:",chardata"`
}

type domainDevices struct {
	Disks      []domainDisk      `xml:"disk"`
	Filesystem []domainFS        `xml:"filesystem"`
	Interfaces []domainInterface `xml:"interface"`
	Channel    *domainChannel    `xml:"channel,omitempty"`
}

type domainDisk struct {
	Type   string       `xml:"type,attr"`
	Device string       `xml:"device,attr"`
	Driver domainDriver `xml:"driver"`
	Source domainSource `xml:"source"`
	Target domainTarget `xml:"target"`
	RO     *struct{}    `xml:"readonly,omitempty"`
}

type domainDriver struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr,omitempty"`
}

type domainSource struct {
	File    string `xml:"file,attr,omitempty"`
	Dir     string `xml:"dir,attr,omitempty"`
	Network string `xml:"network,attr,omitempty"`
}

type domainTarget struct {
	Dev  string `xml:"dev,attr,omitempty"`
	Dir  string `xml:"dir,attr,omitempty"`
	Bus  string `xml:"bus,attr,omitempty"`
	Name string `xml:"name,attr,omitempty"`
	Type string `xml:"type,attr,omitempty"`
}

type domainFS struct {
	Type       string       `xml:"type,attr"`
	AccessMode string       `xml:"accessmode,attr"`
	Source     domainSource `xml:"source"`
	Target     domainTarget `xml:"target"`
	RO         *struct{}    `xml:"readonly,omitempty"`
}

type domainInterface struct {
	Type   string       `xml:"type,attr"`
	Source domainSource `xml:"source"`
	Model  domainTarget `xml:"model"`
}

type domainChannel struct {
	Type   string       `xml:"type,attr"`
	Target domainTarget `xml:"target"`
}

// domainXML renders a minimal KVM domain whose only disk is the instance overlay.
// Volumes become 9p shares tagged by their guest path.
func domainXML(name, diskPath, network string, res sandbox.ResourceSpec) (string, error) {
	memory := backend.MiB(res.MemoryLimit)
	if memory == 0 {
		memory = defaultMemoryMiB
	}

	d := domain{
		Type:   "kvm",
		Name:   name,
		Memory: domainMemory{Unit: "MiB", Value: memory},
		VCPU:   backend.WholeCPUs(res.CPULimit),
		OS:     domainOS{Type: domainOSType{Arch: "x86_64", Machine: "q35", Value: "hvm"}},
		Devices: domainDevices{
			Disks: []domainDisk{{
				Type:   "file",
				Device: "disk",
				Driver: domainDriver{Name: "qemu", Type: "qcow2"},
				Source: domainSource{File: diskPath},
				Target: domainTarget{Dev: "vda", Bus: "virtio"},
			}},
			Channel: &domainChannel{
				Type:   "unix",
				Target: domainTarget{Type: "virtio", Name: "org.qemu.guest_agent.0"},
			},
		},
	}

	for _, v := range res.Volumes {
		fs := domainFS{
			Type:       "mount",
			AccessMode: "mapped",
			Source:     domainSource{Dir: v.Host},
			Target:     domainTarget{Dir: v.Guest},
		}
		if v.ReadOnly {
			fs.RO = &struct{}{}
		}
		d.Devices.Filesystem = append(d.Devices.Filesystem, fs)
	}

	if res.Network != "" {
		network = res.Network
	}
	if network != "" {
		d.Devices.Interfaces = append(d.Devices.Interfaces, domainInterface{
			Type:   "network",
			Source: domainSource{Network: network},
			Model:  domainTarget{Type: "virtio"},
		})
	}

	out, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
