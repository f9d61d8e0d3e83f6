package toolschema

import "testing"

func TestAllReturnsFourSchemas(t *testing.T) {
	all := All()
	if len(all) != 4 {
		t.Fatalf("len(All()) = %d, want 4", len(all))
	}
}

func TestFindKnownTool(t *testing.T) {
	tests := []struct {
		id         string
		kind       Kind
		permission Permission
	}{
		{"list_directory", KindListDirectory, ReadOnly},
		{"read_file", KindReadFile, ReadOnly},
		{"search", KindSearch, ReadOnly},
		{"apply_patch", KindApplyPatch, WorkspaceWrite},
	}
	for _, tt := range tests {
		schema, ok := Find(tt.id)
		if !ok {
			t.Fatalf("Find(%q) not found", tt.id)
		}
		if schema.Kind != tt.kind {
			t.Errorf("Find(%q).Kind = %v, want %v", tt.id, schema.Kind, tt.kind)
		}
		if schema.Permission != tt.permission {
			t.Errorf("Find(%q).Permission = %v, want %v", tt.id, schema.Permission, tt.permission)
		}
	}
}

func TestFindUnknownTool(t *testing.T) {
	if _, ok := Find("delete_everything"); ok {
		t.Fatal("expected unknown tool to not be found")
	}
}

func TestRequiredParametersPresent(t *testing.T) {
	readFile, _ := Find("read_file")
	var sawFilePath, sawMode bool
	for _, p := range readFile.Parameters {
		switch p.Name {
		case "file_path":
			sawFilePath = p.Required
		case "mode":
			sawMode = p.Required
			if len(p.Enum) != 2 {
				t.Errorf("mode enum = %v, want 2 values", p.Enum)
			}
		}
	}
	if !sawFilePath || !sawMode {
		t.Fatal("read_file schema missing required file_path/mode parameters")
	}
}

func TestApplyPatchRequiresInputOnly(t *testing.T) {
	applyPatch, _ := Find("apply_patch")
	for _, p := range applyPatch.Parameters {
		if p.Name == "input" && !p.Required {
			t.Error("apply_patch input parameter should be required")
		}
		if p.Name == "workdir" && p.Required {
			t.Error("apply_patch workdir parameter should be optional")
		}
	}
}

func TestEachSchemaHasUniqueID(t *testing.T) {
	seen := make(map[string]bool)
	for _, s := range All() {
		if seen[s.ID] {
			t.Fatalf("duplicate schema id %q", s.ID)
		}
		seen[s.ID] = true
	}
}
