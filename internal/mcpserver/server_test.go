package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/annocollab/internal/change"
	"github.com/starford/annocollab/internal/models"
	"github.com/starford/annocollab/internal/session"
	"github.com/starford/annocollab/internal/testutil"
)

func testServer(t *testing.T) (*Server, *session.Session) {
	t.Helper()
	s, err := session.New(context.Background(), session.Config{},
		session.WithMemoryAssemblies(testutil.Assembly(models.BackendMemory)))
	if err != nil {
		t.Fatal(err)
	}
	return New(s, "test"), s
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	var err error

	switch name {
	case "list_assemblies":
		result, err = srv.listAssemblies(ctx, req)
	case "load_region":
		result, err = srv.loadRegion(ctx, req)
	case "get_feature":
		result, err = srv.getFeature(ctx, req)
	case "submit_change":
		result, err = srv.submitChange(ctx, req)
	case "undo":
		result, err = srv.undo(ctx, req)
	case "recent_changes":
		result, err = srv.recentChanges(ctx, req)
	case "get_change_contract":
		result, err = srv.getChangeContract(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestListAssemblies(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "list_assemblies", map[string]interface{}{})
	if r.IsError || !strings.Contains(resultText(r), `"id": "asm1"`) {
		t.Errorf("list = %q", resultText(r))
	}
}

func TestLoadRegionAndGetFeature(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "load_region", map[string]interface{}{
		"assembly": testutil.AssemblyID,
		"refSeq":   testutil.RefSeqID,
	})
	if r.IsError {
		t.Fatalf("load_region: %s", resultText(r))
	}
	var feats []models.FeatureSnapshot
	if err := json.Unmarshal([]byte(resultText(r)), &feats); err != nil || len(feats) != 1 || feats[0].ID != testutil.GeneID {
		t.Fatalf("features = %s, %v", resultText(r), err)
	}

	r = callTool(t, srv, "get_feature", map[string]interface{}{"id": testutil.Exon2})
	var f models.FeatureSnapshot
	if err := json.Unmarshal([]byte(resultText(r)), &f); err != nil || f.Min != 300 || f.Max != 400 {
		t.Fatalf("feature = %s, %v", resultText(r), err)
	}

	r = callTool(t, srv, "get_feature", map[string]interface{}{"id": "nope"})
	if !r.IsError {
		t.Error("expected error for unknown feature")
	}
}

func TestSubmitUndoAndRecent(t *testing.T) {
	srv, s := testServer(t)
	callTool(t, srv, "load_region", map[string]interface{}{
		"assembly": testutil.AssemblyID,
		"refSeq":   testutil.RefSeqID,
	})

	raw, _ := change.Encode(change.NewType(testutil.AssemblyID, testutil.Exon1, "exon", "CDS"))
	r := callTool(t, srv, "submit_change", map[string]interface{}{"change": string(raw)})
	if r.IsError {
		t.Fatalf("submit_change: %s", resultText(r))
	}
	if f, _ := s.Store().GetFeature(testutil.Exon1); f.Type != "CDS" {
		t.Fatalf("type = %s, want CDS", f.Type)
	}

	r = callTool(t, srv, "recent_changes", map[string]interface{}{})
	if !strings.Contains(resultText(r), `"typeName": "TypeChange"`) {
		t.Errorf("recent = %s", resultText(r))
	}

	// The same edit is now stale.
	r = callTool(t, srv, "submit_change", map[string]interface{}{"change": string(raw)})
	if !r.IsError {
		t.Error("stale change accepted")
	}

	r = callTool(t, srv, "undo", map[string]interface{}{})
	if r.IsError || !strings.HasPrefix(resultText(r), "reverted: ") {
		t.Fatalf("undo = %s", resultText(r))
	}
	if f, _ := s.Store().GetFeature(testutil.Exon1); f.Type != "exon" {
		t.Errorf("type after undo = %s, want exon", f.Type)
	}
	r = callTool(t, srv, "undo", map[string]interface{}{})
	if resultText(r) != "no changes to undo" {
		t.Errorf("empty undo = %q", resultText(r))
	}
}

func TestSubmitChangeRejectsUnknownType(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "submit_change", map[string]interface{}{"change": `{"typeName":"Bogus"}`})
	if !r.IsError {
		t.Error("expected error for unknown change type")
	}
}

func TestChangeContractListsTypes(t *testing.T) {
	srv, _ := testServer(t)
	text := resultText(callTool(t, srv, "get_change_contract", map[string]interface{}{}))
	for _, name := range []string{change.TypeAddFeature, change.TypeSplitExon, change.TypeLocationEnd} {
		if !strings.Contains(text, "`"+name+"`") {
			t.Errorf("contract does not list %s", name)
		}
	}
}
