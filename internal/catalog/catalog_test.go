package catalog

import (
	"testing"

	"github.com/outpostvm/qvrestore/internal/rerror"
)

const sampleXML = `<?xml version="1.0" ?>
<qubes version="3.0">
  <labels>
    <label id="label-1" name="red" color="#cc0000"/>
  </labels>
  <domains>
    <domain class="AdminVM" name="dom0" label="black">
      <properties>
        <property name="uuid">deadbeef</property>
      </properties>
    </domain>
    <domain class="TemplateVM" name="fedora-38" label="black" backup_path="fedora-38" backup_size="1024">
      <properties>
        <property name="maxmem">4000</property>
      </properties>
    </domain>
    <domain class="AppVM" name="work" label="red" template="fedora-38" backup_path="appvms/work" backup_size="2048">
      <properties>
        <property name="netvm">sys-firewall</property>
        <property name="qid">7</property>
      </properties>
      <features>
        <feature name="service.meminfo-writer">1</feature>
      </features>
      <tags>
        <tag name="created-by-test"/>
      </tags>
      <devices class="pci">
        <device backend-domain="sys-usb" id="03_00.0">
          <required-by>
            <domain>work</domain>
          </required-by>
        </device>
      </devices>
    </domain>
  </domains>
</qubes>`

func TestParseBuildsCatalog(t *testing.T) {
	cat, err := Parse([]byte(sampleXML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cat.VMs) != 3 {
		t.Fatalf("got %d VMs, want 3", len(cat.VMs))
	}

	work, ok := cat.VMs["work"]
	if !ok {
		t.Fatal("missing 'work' VM")
	}
	if work.Class != ClassAppVM || work.Template != "fedora-38" {
		t.Errorf("work = %+v", work)
	}
	if work.Properties["netvm"] != "sys-firewall" {
		t.Errorf("netvm property = %q", work.Properties["netvm"])
	}
	if _, stripped := work.Properties["qid"]; stripped {
		t.Error("qid should be stripped from the property bag")
	}
	if !work.Tags["created-by-test"] {
		t.Error("expected tag created-by-test")
	}
	if len(work.Devices) != 1 || work.Devices[0].Backend != "sys-usb" {
		t.Errorf("devices = %+v", work.Devices)
	}
	if work.BackupPath != "appvms/work" || work.Size != 2048 {
		t.Errorf("backup path/size = %q/%d", work.BackupPath, work.Size)
	}
}

func TestParseStripsUUIDFromDom0(t *testing.T) {
	cat, err := Parse([]byte(sampleXML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	dom0 := cat.VMs["dom0"]
	if _, present := dom0.Properties["uuid"]; present {
		t.Error("uuid should be stripped")
	}
}

func TestParseRejectsMultipleAdminVMs(t *testing.T) {
	doc := `<qubes><domains>
	  <domain class="AdminVM" name="dom0"/>
	  <domain class="AdminVM" name="dom1"/>
	</domains></qubes>`
	_, err := Parse([]byte(doc))
	kind, ok := rerror.KindOf(err)
	if !ok || kind != rerror.BadHeader {
		t.Fatalf("kind = %v, ok = %v, want BadHeader", kind, ok)
	}
}

func TestParseRejectsMisnamedAdminVM(t *testing.T) {
	doc := `<qubes><domains><domain class="AdminVM" name="notdom0"/></domains></qubes>`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatal("expected error for misnamed AdminVM")
	}
}
