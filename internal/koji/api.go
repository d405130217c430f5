package koji

import (
	"fmt"
	"sort"
)

// Session is the subset of the hub API used by the compose phases.
type Session interface {
	ListTaggedRPMs(tag string, event int, inherit, latest bool) ([]RPM, []Build, error)
	ListTagged(tag string, event int, inherit bool, buildType string) ([]Build, error)
	ListArchives(buildID int, archiveType string) ([]Archive, error)
	GetBuild(nvr string) (*Build, error)
	GetTag(name string, event int) (*Tag, error)
	GetFullInheritance(tag string, event int) ([]Inheritance, error)
	QueryHistory(tables []string, tag string, afterEvent, beforeEvent int) (History, error)
	ListBuildroots(taskID int) ([]int, error)
	ListRPMs(buildrootID int) ([]RPM, error)
	ListBuildRPMs(buildID int) ([]RPM, error)
	GetLastEvent() (*Event, error)
	GetEvent(id int) (*Event, error)
	GetTaskChildren(taskID int) ([]Task, error)
	ListTaskOutput(taskID int) ([]string, error)
}

var _ Session = &Koji{}

type RPM struct {
	ID               int
	Name             string
	Version          string
	Release          string
	Epoch            *int
	Arch             string
	BuildID          int
	Size             int64
	PayloadHash      string
	ExternalRepoName string
}

// NVRA renders name-version-release.arch.
func (r RPM) NVRA() string {
	return fmt.Sprintf("%s-%s-%s.%s", r.Name, r.Version, r.Release, r.Arch)
}

// NEVRA renders name-epoch:version-release.arch with epoch 0 for missing
// epochs.
func (r RPM) NEVRA() string {
	epoch := 0
	if r.Epoch != nil {
		epoch = *r.Epoch
	}
	return fmt.Sprintf("%s-%d:%s-%s.%s", r.Name, epoch, r.Version, r.Release, r.Arch)
}

type Build struct {
	ID          int
	Name        string
	Version     string
	Release     string
	Epoch       *int
	NVR         string
	PackageName string
	TagName     string
	TagID       int
	TaskID      int
	State       int
	Extra       map[string]interface{}
}

// ModuleInfo returns the typeinfo of a module build, or nil for other
// builds.
func (b Build) ModuleInfo() map[string]interface{} {
	typeinfo, _ := b.Extra["typeinfo"].(map[string]interface{})
	module, _ := typeinfo["module"].(map[string]interface{})
	return module
}

type Archive struct {
	ID       int
	BuildID  int
	Filename string
	TypeName string
	Size     int64
	Checksum string
}

type Tag struct {
	ID     int
	Name   string
	Arches string
	Extra  map[string]interface{}
}

type Inheritance struct {
	ParentID int
	Name     string
	Depth    int
	Priority int
}

type Event struct {
	ID int
	TS float64
}

type Task struct {
	ID     int
	Method string
	Arch   string
	State  int
}

// HistoryEntry is one row of a queryHistory table.
type HistoryEntry map[string]interface{}

// History maps table names to their changes.
type History map[string][]HistoryEntry

// Changed reports whether any of the listed tables has an entry.
func (h History) Changed(tables ...string) bool {
	for _, t := range tables {
		if len(h[t]) > 0 {
			return true
		}
	}
	return false
}

// kwargs wraps keyword arguments the way the hub expects them.
func kwargs(kv map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{"__starstar": true}
	for k, v := range kv {
		out[k] = v
	}
	return out
}

func withEvent(kv map[string]interface{}, event int) map[string]interface{} {
	if event > 0 {
		kv["event"] = event
	}
	return kwargs(kv)
}

func (k *Koji) ListTaggedRPMs(tag string, event int, inherit, latest bool) ([]RPM, []Build, error) {
	var reply []interface{}
	args := []interface{}{tag, withEvent(map[string]interface{}{"inherit": inherit, "latest": latest}, event)}
	if err := k.call("listTaggedRPMS", args, &reply); err != nil {
		return nil, nil, err
	}
	if len(reply) != 2 {
		return nil, nil, fmt.Errorf("listTaggedRPMS returned %d items, expected 2", len(reply))
	}
	rpms := toRPMs(reply[0])
	builds := toBuilds(reply[1])
	return rpms, builds, nil
}

func (k *Koji) ListTagged(tag string, event int, inherit bool, buildType string) ([]Build, error) {
	kv := map[string]interface{}{"inherit": inherit}
	if buildType != "" {
		kv["type"] = buildType
	}
	var reply []interface{}
	if err := k.call("listTagged", []interface{}{tag, withEvent(kv, event)}, &reply); err != nil {
		return nil, err
	}
	return toBuilds(reply), nil
}

func (k *Koji) ListArchives(buildID int, archiveType string) ([]Archive, error) {
	kv := map[string]interface{}{"buildID": buildID}
	if archiveType != "" {
		kv["type"] = archiveType
	}
	var reply []interface{}
	if err := k.call("listArchives", []interface{}{kwargs(kv)}, &reply); err != nil {
		return nil, err
	}
	out := make([]Archive, 0, len(reply))
	for _, item := range reply {
		o := toObject(item)
		out = append(out, Archive{
			ID:       o.int("id"),
			BuildID:  o.int("build_id"),
			Filename: o.str("filename"),
			TypeName: o.str("type_name"),
			Size:     o.int64("size"),
			Checksum: o.str("checksum"),
		})
	}
	return out, nil
}

func (k *Koji) GetBuild(nvr string) (*Build, error) {
	var reply interface{}
	if err := k.call("getBuild", []interface{}{nvr}, &reply); err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("build %s does not exist", nvr)
	}
	b := toBuild(toObject(reply))
	return &b, nil
}

func (k *Koji) GetTag(name string, event int) (*Tag, error) {
	var reply interface{}
	if err := k.call("getTag", []interface{}{name, withEvent(map[string]interface{}{}, event)}, &reply); err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("tag %s does not exist", name)
	}
	o := toObject(reply)
	return &Tag{
		ID:     o.int("id"),
		Name:   o.str("name"),
		Arches: o.str("arches"),
		Extra:  o.object("extra"),
	}, nil
}

func (k *Koji) GetFullInheritance(tag string, event int) ([]Inheritance, error) {
	var reply []interface{}
	if err := k.call("getFullInheritance", []interface{}{tag, withEvent(map[string]interface{}{}, event)}, &reply); err != nil {
		return nil, err
	}
	out := make([]Inheritance, 0, len(reply))
	for _, item := range reply {
		o := toObject(item)
		out = append(out, Inheritance{
			ParentID: o.int("parent_id"),
			Name:     o.str("name"),
			Depth:    o.int("currdepth"),
			Priority: o.int("priority"),
		})
	}
	return out, nil
}

func (k *Koji) QueryHistory(tables []string, tag string, afterEvent, beforeEvent int) (History, error) {
	t := make([]interface{}, len(tables))
	for i, table := range tables {
		t[i] = table
	}
	var reply map[string]interface{}
	args := []interface{}{kwargs(map[string]interface{}{
		"tables":      t,
		"tag":         tag,
		"afterEvent":  afterEvent,
		"beforeEvent": beforeEvent,
	})}
	if err := k.call("queryHistory", args, &reply); err != nil {
		return nil, err
	}
	history := History{}
	for table, rows := range reply {
		list, _ := rows.([]interface{})
		for _, row := range list {
			history[table] = append(history[table], HistoryEntry(toObject(row)))
		}
	}
	return history, nil
}

func (k *Koji) ListBuildroots(taskID int) ([]int, error) {
	var reply []interface{}
	if err := k.call("listBuildroots", []interface{}{kwargs(map[string]interface{}{"taskID": taskID})}, &reply); err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(reply))
	for _, item := range reply {
		ids = append(ids, toObject(item).int("id"))
	}
	sort.Ints(ids)
	return ids, nil
}

func (k *Koji) ListRPMs(buildrootID int) ([]RPM, error) {
	var reply []interface{}
	args := []interface{}{kwargs(map[string]interface{}{"componentBuildrootID": buildrootID})}
	if err := k.call("listRPMs", args, &reply); err != nil {
		return nil, err
	}
	return toRPMs(reply), nil
}

// ListBuildRPMs returns every RPM of a build, tagged or not.
func (k *Koji) ListBuildRPMs(buildID int) ([]RPM, error) {
	var reply []interface{}
	if err := k.call("listRPMs", []interface{}{kwargs(map[string]interface{}{"buildID": buildID})}, &reply); err != nil {
		return nil, err
	}
	return toRPMs(reply), nil
}

func (k *Koji) GetLastEvent() (*Event, error) {
	var reply interface{}
	if err := k.call("getLastEvent", nil, &reply); err != nil {
		return nil, err
	}
	o := toObject(reply)
	return &Event{ID: o.int("id"), TS: o.float("ts")}, nil
}

func (k *Koji) GetEvent(id int) (*Event, error) {
	var reply interface{}
	if err := k.call("getEvent", []interface{}{id}, &reply); err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("event %d does not exist", id)
	}
	o := toObject(reply)
	return &Event{ID: o.int("id"), TS: o.float("ts")}, nil
}

func (k *Koji) GetTaskChildren(taskID int) ([]Task, error) {
	var reply []interface{}
	if err := k.call("getTaskChildren", []interface{}{taskID}, &reply); err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(reply))
	for _, item := range reply {
		o := toObject(item)
		out = append(out, Task{ID: o.int("id"), Method: o.str("method"), Arch: o.str("arch"), State: o.int("state")})
	}
	return out, nil
}

func (k *Koji) ListTaskOutput(taskID int) ([]string, error) {
	var reply []interface{}
	if err := k.call("listTaskOutput", []interface{}{taskID}, &reply); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(reply))
	for _, item := range reply {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

func toRPMs(v interface{}) []RPM {
	list, _ := v.([]interface{})
	out := make([]RPM, 0, len(list))
	for _, item := range list {
		o := toObject(item)
		out = append(out, RPM{
			ID:               o.int("id"),
			Name:             o.str("name"),
			Version:          o.str("version"),
			Release:          o.str("release"),
			Epoch:            o.intPtr("epoch"),
			Arch:             o.str("arch"),
			BuildID:          o.int("build_id"),
			Size:             o.int64("size"),
			PayloadHash:      o.str("payloadhash"),
			ExternalRepoName: o.str("external_repo_name"),
		})
	}
	return out
}

func toBuilds(v interface{}) []Build {
	list, _ := v.([]interface{})
	out := make([]Build, 0, len(list))
	for _, item := range list {
		out = append(out, toBuild(toObject(item)))
	}
	return out
}

func toBuild(o object) Build {
	id := o.int("build_id")
	if id == 0 {
		id = o.int("id")
	}
	return Build{
		ID:          id,
		Name:        o.str("name"),
		Version:     o.str("version"),
		Release:     o.str("release"),
		Epoch:       o.intPtr("epoch"),
		NVR:         o.str("nvr"),
		PackageName: o.str("package_name"),
		TagName:     o.str("tag_name"),
		TagID:       o.int("tag_id"),
		TaskID:      o.int("task_id"),
		State:       o.int("state"),
		Extra:       o.object("extra"),
	}
}

// object is a decoded XML-RPC struct.
type object map[string]interface{}

func toObject(v interface{}) object {
	m, _ := v.(map[string]interface{})
	return object(m)
}

func (o object) str(key string) string {
	s, _ := o[key].(string)
	return s
}

func (o object) int64(key string) int64 {
	switch v := o[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func (o object) int(key string) int {
	return int(o.int64(key))
}

func (o object) intPtr(key string) *int {
	if o[key] == nil {
		return nil
	}
	v := o.int(key)
	return &v
}

func (o object) float(key string) float64 {
	switch v := o[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func (o object) object(key string) map[string]interface{} {
	m, _ := o[key].(map[string]interface{})
	return m
}
