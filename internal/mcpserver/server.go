// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes a client session as annotation tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/annocollab/internal/changemanager"
	"github.com/starford/annocollab/internal/models"
	"github.com/starford/annocollab/internal/session"
)

const contractURI = "annocollab://change-format"

// Server wraps the MCP server with session tools.
type Server struct {
	mcp     *server.MCPServer
	session *session.Session
}

// New creates a new MCP server with all tools registered.
func New(s *session.Session, version string) *Server {
	srv := &Server{session: s}

	srv.mcp = server.NewMCPServer(
		"annocollab",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	srv.mcp.AddTool(mcp.NewTool("list_assemblies",
		mcp.WithDescription("List the assemblies this session can edit, with their refSeqs."),
	), srv.listAssemblies)

	srv.mcp.AddTool(mcp.NewTool("load_region",
		mcp.WithDescription("Load the bases and features of a refSeq region and return the top-level features with their children."),
		mcp.WithString("assembly", mcp.Required(), mcp.Description("Assembly id")),
		mcp.WithString("refSeq", mcp.Required(), mcp.Description("RefSeq id")),
		mcp.WithNumber("start", mcp.Description("Start, 0-based inclusive (default 0)")),
		mcp.WithNumber("end", mcp.Description("End, exclusive (default: refSeq length)")),
	), srv.loadRegion)

	srv.mcp.AddTool(mcp.NewTool("get_feature",
		mcp.WithDescription("Read one loaded feature with its children."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Feature id")),
	), srv.getFeature)

	srv.mcp.AddTool(mcp.NewTool("submit_change",
		mcp.WithDescription("Validate, apply and submit one change. "+
			"The change MUST follow the change format contract; read it first via "+
			"the get_change_contract tool or the "+contractURI+" resource."),
		mcp.WithString("change", mcp.Required(), mcp.Description("Change JSON object")),
	), srv.submitChange)

	srv.mcp.AddTool(mcp.NewTool("undo",
		mcp.WithDescription("Revert the most recent change submitted in this session."),
	), srv.undo)

	srv.mcp.AddTool(mcp.NewTool("recent_changes",
		mcp.WithDescription("List the changes that undo would revert, most recent last."),
	), srv.recentChanges)

	srv.mcp.AddTool(mcp.NewTool("get_change_contract",
		mcp.WithDescription("Returns the change format contract and the accepted change types."),
	), srv.getChangeContract)

	srv.mcp.AddResource(
		mcp.NewResource(contractURI, "Change Format Contract",
			mcp.WithResourceDescription("JSON form of the changes accepted by submit_change."),
			mcp.WithMIMEType("text/markdown"),
		),
		srv.readContractResource,
	)

	return srv
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listAssemblies(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.session.Sync(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	store := s.session.Store()
	type item struct {
		ID      string                  `json:"id"`
		Name    string                  `json:"name"`
		Backend string                  `json:"backend"`
		RefSeqs []models.RefSeqSnapshot `json:"refSeqs"`
	}
	out := []item{}
	for _, id := range store.AssemblyIDs() {
		snap, ok := store.Assembly(id)
		if !ok {
			continue
		}
		refs, _ := store.RefSeqs(id)
		out = append(out, item{ID: snap.ID, Name: snap.Name, Backend: snap.Backend, RefSeqs: refs})
	}
	return jsonResult(out)
}

func (s *Server) loadRegion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	assembly, err := req.RequireString("assembly")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	refSeq, err := req.RequireString("refSeq")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	region := models.Region{
		Assembly: assembly,
		RefSeq:   refSeq,
		Start:    int64(req.GetInt("start", 0)),
		End:      int64(req.GetInt("end", 0)),
	}
	if region.End <= 0 {
		if ref, ok := s.session.Store().RefSeq(refSeq); ok {
			region.End = ref.Length
		}
	}
	if err := s.session.LoadRegion(ctx, region); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	feats, err := s.session.Store().FeaturesInRegion(region)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if feats == nil {
		feats = []models.FeatureSnapshot{}
	}
	return jsonResult(feats)
}

func (s *Server) getFeature(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	f, ok := s.session.Store().GetFeature(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("feature not loaded: %s", id)), nil
	}
	return jsonResult(f)
}

func (s *Server) submitChange(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("change")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	c, err := s.session.Registry().Decode([]byte(raw))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.session.Manager().Submit(ctx, c, changemanager.SubmitOptions{}); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(c.Notification()), nil
}

func (s *Server) undo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recent := s.session.Manager().RecentChanges()
	if len(recent) == 0 {
		return mcp.NewToolResultText("no changes to undo"), nil
	}
	last := recent[len(recent)-1]
	if err := s.session.Manager().RevertLastChange(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("reverted: " + last.Notification()), nil
}

func (s *Server) recentChanges(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type item struct {
		TypeName     string   `json:"typeName"`
		Assembly     string   `json:"assembly"`
		ChangedIDs   []string `json:"changedIds"`
		Notification string   `json:"notification"`
	}
	out := []item{}
	for _, c := range s.session.Manager().RecentChanges() {
		out = append(out, item{
			TypeName:     c.TypeName(),
			Assembly:     c.AssemblyID(),
			ChangedIDs:   c.ChangedIDs(),
			Notification: c.Notification(),
		})
	}
	return jsonResult(out)
}

func (s *Server) getChangeContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(ChangeFormatContract(s.session.Registry().Known())), nil
}

func (s *Server) readContractResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     ChangeFormatContract(s.session.Registry().Known()),
		},
	}, nil
}
