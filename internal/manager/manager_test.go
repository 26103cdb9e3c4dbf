package manager

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"servd/pkg/types"
)

func TestNewWithConfigDefaults(t *testing.T) {
	m := NewWithConfig(ManagerConfig{Loader: newFakeLoader()})
	if m.maxQueueDepth != defaultMaxQueueDepth {
		t.Fatalf("expected default maxQueueDepth=%d got %d", defaultMaxQueueDepth, m.maxQueueDepth)
	}
	if m.maxWait != defaultMaxWait {
		t.Fatalf("expected default maxWait=%v got %v", defaultMaxWait, m.maxWait)
	}
	if m.drainTimeout != defaultDrainTimeout {
		t.Fatalf("expected default drainTimeout=%v got %v", defaultDrainTimeout, m.drainTimeout)
	}
	if m.workers != defaultReconcileWorkers {
		t.Fatalf("expected default workers=%d got %d", defaultReconcileWorkers, m.workers)
	}
}

func TestListModelsReturnsCopy(t *testing.T) {
	reg := []types.Model{{Name: "a", Version: 1}, {Name: "b", Version: 1}}
	m := NewWithConfig(ManagerConfig{Catalog: reg, Loader: newFakeLoader()})
	out := m.ListModels()
	if len(out) != 2 {
		t.Fatalf("expected 2 got %d", len(out))
	}
	out[0].Name = "z"
	if m.ListModels()[0].Name != "a" {
		t.Fatalf("catalog mutated through returned slice")
	}
}

func TestReconcileEnableThenDelete(t *testing.T) {
	l := newFakeLoader()
	m, _ := newTestManager(t, l)
	ctx := context.Background()

	rep := m.Reconcile(ctx, []types.Directive{enable("m", 1)})
	if len(rep.Failed()) != 0 {
		t.Fatalf("unexpected failures: %+v", rep.Failed())
	}
	if st := m.StateOf("m", 1); st != StateServed {
		t.Fatalf("state=%s want served", st)
	}
	sv, err := m.Lookup("m", Latest)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	v, ok := sv.Acquire()
	if !ok {
		t.Fatalf("served handoff is empty")
	}
	if v.Value().(*fakeResource).name != "m" {
		t.Fatalf("wrong resource")
	}
	v.Release()

	rep = m.Reconcile(ctx, []types.Directive{{Name: "m", Version: 1, Action: types.ActionDelete}})
	if len(rep.Failed()) != 0 {
		t.Fatalf("unexpected failures: %+v", rep.Failed())
	}
	if _, err := m.Lookup("m", Latest); !IsServableNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if len(m.Status().Servables) != 0 {
		t.Fatalf("entry not removed: %+v", m.Status().Servables)
	}
	if loads, unloads := l.counts(); loads != 1 || unloads != 1 {
		t.Fatalf("loads=%d unloads=%d", loads, unloads)
	}
}

func TestEnableIsIdempotent(t *testing.T) {
	l := newFakeLoader()
	m, _ := newTestManager(t, l)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := m.Apply(ctx, enable("m", 1)); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if loads, _ := l.counts(); loads != 1 {
		t.Fatalf("loads=%d want 1", loads)
	}
}

func TestDisableOnAbsentIsNoop(t *testing.T) {
	l := newFakeLoader()
	m, pub := newTestManager(t, l)
	out, err := m.ApplyAction(context.Background(), "ghost", 1, types.ActionDisable)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if out.State != StateAbsent {
		t.Fatalf("state=%s", out.State)
	}
	if len(pub.Events()) != 0 || len(m.Status().Servables) != 0 {
		t.Fatalf("disable on absent changed state")
	}
}

func TestDisableKeepsEntryForReEnable(t *testing.T) {
	l := newFakeLoader()
	m, _ := newTestManager(t, l)
	ctx := context.Background()
	if _, err := m.Apply(ctx, enable("m", 1)); err != nil {
		t.Fatalf("enable: %v", err)
	}
	out, err := m.ApplyAction(ctx, "m", 1, types.ActionDisable)
	if err != nil || out.State != StateAbsent {
		t.Fatalf("disable: state=%s err=%v", out.State, err)
	}
	if n := len(m.Status().Servables); n != 1 {
		t.Fatalf("disabled entry must stay in table, got %d entries", n)
	}
	if _, err := m.Lookup("m", 1); !IsServableNotFound(err) {
		t.Fatalf("disabled servable visible: %v", err)
	}
	if _, err := m.Apply(ctx, enable("m", 1)); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if loads, unloads := l.counts(); loads != 2 || unloads != 1 {
		t.Fatalf("loads=%d unloads=%d", loads, unloads)
	}
}

func TestUnknownDirectiveRejected(t *testing.T) {
	l := newFakeLoader()
	m, _ := newTestManager(t, l)
	act := types.ParseConfigExportAction("FOOBAR")
	if act != types.ActionUnknown {
		t.Fatalf("FOOBAR decoded to %v", act)
	}
	_, err := m.ApplyAction(context.Background(), "m", 1, act)
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(m.Status().Servables) != 0 {
		t.Fatalf("table changed on rejected directive")
	}
}

func TestLoadFailureIsolatedAndRetriable(t *testing.T) {
	l := newFakeLoader()
	l.setFail("bad", errBoom)
	m, _ := newTestManager(t, l)
	ctx := context.Background()

	rep := m.Reconcile(ctx, []types.Directive{enable("bad", 1), enable("good", 1)})
	failed := rep.Failed()
	if len(failed) != 1 || failed[0].Name != "bad" || !IsLoadError(failed[0].Err) {
		t.Fatalf("unexpected failures: %+v", failed)
	}
	if m.StateOf("good", 1) != StateServed {
		t.Fatalf("good servable affected by sibling failure")
	}
	if m.StateOf("bad", 1) != StateFailed {
		t.Fatalf("bad state=%s", m.StateOf("bad", 1))
	}
	_, err := m.Lookup("bad", Latest)
	if !IsServableNotFound(err) || !IsLoadError(err) {
		t.Fatalf("lookup should carry load error detail, got %v", err)
	}

	l.setFail("bad", nil)
	if _, err := m.Apply(ctx, enable("bad", 1)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if m.StateOf("bad", 1) != StateServed || m.LastError("bad", 1) != nil {
		t.Fatalf("retry did not recover: state=%s err=%v", m.StateOf("bad", 1), m.LastError("bad", 1))
	}
}

func TestDeleteClearsFailed(t *testing.T) {
	l := newFakeLoader()
	l.setFail("bad", errBoom)
	m, _ := newTestManager(t, l)
	ctx := context.Background()
	_, _ = m.Apply(ctx, enable("bad", 1))
	if _, err := m.ApplyAction(ctx, "bad", 1, types.ActionDelete); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(m.Status().Servables) != 0 {
		t.Fatalf("failed entry not cleared")
	}
}

func TestReconcileDeletesUndesired(t *testing.T) {
	l := newFakeLoader()
	m, _ := newTestManager(t, l)
	ctx := context.Background()
	m.Reconcile(ctx, []types.Directive{enable("a", 1), enable("b", 1)})
	rep := m.Reconcile(ctx, []types.Directive{enable("a", 1)})
	if len(rep.Outcomes) != 2 {
		t.Fatalf("outcomes=%d want 2", len(rep.Outcomes))
	}
	if m.StateOf("a", 1) != StateServed {
		t.Fatalf("a not served")
	}
	if len(m.ServableStatus("b")) != 0 {
		t.Fatalf("b should have been deleted")
	}
	if loads, _ := l.counts(); loads != 2 {
		t.Fatalf("a must not be reloaded, loads=%d", loads)
	}
}

func TestLookupLatestAndExact(t *testing.T) {
	l := newFakeLoader()
	m, _ := newTestManager(t, l)
	m.Reconcile(context.Background(), []types.Directive{enable("m", 1), enable("m", 3), enable("m", 2)})
	sv, err := m.Lookup("m", Latest)
	if err != nil || sv.Version != 3 {
		t.Fatalf("latest=%d err=%v", sv.Version, err)
	}
	sv, err = m.Lookup("m", 2)
	if err != nil || sv.Version != 2 {
		t.Fatalf("exact=%d err=%v", sv.Version, err)
	}
	if _, err := m.Lookup("m", 4); !IsServableNotFound(err) {
		t.Fatalf("missing version found: %v", err)
	}
	if _, err := m.ApplyAction(context.Background(), "m", 3, types.ActionDisable); err != nil {
		t.Fatalf("disable: %v", err)
	}
	sv, _ = m.Lookup("m", Latest)
	if sv.Version != 2 {
		t.Fatalf("latest after disabling v3 = %d", sv.Version)
	}
}

func TestEnableWithoutVersionUsesLatestCatalog(t *testing.T) {
	l := newFakeLoader()
	m, _ := newTestManager(t, l,
		types.Model{Name: "m", Version: 1, Path: "/cat/m/1"},
		types.Model{Name: "m", Version: 2, Path: "/cat/m/2"},
	)
	outs, err := m.Apply(context.Background(), types.Directive{Name: "m", Action: types.ActionEnable})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(outs) != 1 || outs[0].Version != 2 || outs[0].State != StateServed {
		t.Fatalf("outcomes=%+v", outs)
	}
	if !reflect.DeepEqual(l.paths, []string{"/cat/m/2"}) {
		t.Fatalf("paths=%v", l.paths)
	}
	if _, err := m.Apply(context.Background(), types.Directive{Name: "nope", Action: types.ActionEnable}); !IsValidation(err) {
		t.Fatalf("expected validation error for unknown catalog name, got %v", err)
	}
}

func TestDisableWithoutVersionAppliesToAll(t *testing.T) {
	l := newFakeLoader()
	m, _ := newTestManager(t, l)
	ctx := context.Background()
	m.Reconcile(ctx, []types.Directive{enable("m", 1), enable("m", 2)})
	outs, err := m.Apply(ctx, types.Directive{Name: "m", Action: types.ActionDisable})
	if err != nil || len(outs) != 2 {
		t.Fatalf("outs=%+v err=%v", outs, err)
	}
	for _, o := range outs {
		if o.State != StateAbsent {
			t.Fatalf("version %d state=%s", o.Version, o.State)
		}
	}
}

func TestTransitionEvents(t *testing.T) {
	l := newFakeLoader()
	m, pub := newTestManager(t, l)
	ctx := context.Background()
	_, _ = m.Apply(ctx, enable("m", 1))
	_, _ = m.Apply(ctx, enable("m", 1))
	_, _ = m.ApplyAction(ctx, "m", 1, types.ActionDelete)
	want := []string{"load_start", "load_done", "unload_start", "unload_done", "delete"}
	if got := pub.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events=%v want %v", got, want)
	}
}

func TestLookupDoesNotBlockOnLoad(t *testing.T) {
	l := newFakeLoader()
	l.block = make(chan struct{})
	l.started = make(chan struct{}, 1)
	m, _ := newTestManager(t, l)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Apply(context.Background(), enable("m", 1))
	}()
	<-l.started
	if st := m.StateOf("m", 1); st != StateLoading {
		t.Fatalf("state=%s want loading", st)
	}
	lookupDone := make(chan error, 1)
	go func() {
		_, err := m.Lookup("m", Latest)
		lookupDone <- err
	}()
	select {
	case err := <-lookupDone:
		if !IsServableNotFound(err) {
			t.Fatalf("loading servable returned: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("lookup blocked on an in-progress load")
	}
	close(l.block)
	<-done
	if _, err := m.Lookup("m", Latest); err != nil {
		t.Fatalf("lookup after load: %v", err)
	}
}

func TestReportFailureInvalidates(t *testing.T) {
	l := newFakeLoader()
	m, _ := newTestManager(t, l)
	ctx := context.Background()
	_, _ = m.Apply(ctx, enable("m", 1))
	sv, _ := m.Lookup("m", 1)
	m.ReportFailure(sv, errBoom)
	if m.StateOf("m", 1) != StateFailed {
		t.Fatalf("state=%s", m.StateOf("m", 1))
	}
	if _, ok := sv.Acquire(); ok {
		t.Fatalf("failed servable still handed out")
	}
	if _, err := m.Lookup("m", 1); !IsServableNotFound(err) || !IsRuntimeFailure(err) {
		t.Fatalf("lookup err=%v", err)
	}
	if _, err := m.Apply(ctx, enable("m", 1)); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if m.StateOf("m", 1) != StateServed {
		t.Fatalf("re-enable did not serve")
	}
}

func TestUnloadAll(t *testing.T) {
	l := newFakeLoader()
	m, _ := newTestManager(t, l)
	m.Reconcile(context.Background(), []types.Directive{enable("a", 1), enable("b", 2)})
	m.UnloadAll(context.Background())
	if m.Ready() {
		t.Fatalf("manager still ready after UnloadAll")
	}
	if n := len(m.Status().Servables); n != 0 {
		t.Fatalf("entries left: %d", n)
	}
	if _, unloads := l.counts(); unloads != 2 {
		t.Fatalf("unloads=%d", unloads)
	}
}

func TestSubmitRunsInBackground(t *testing.T) {
	l := newFakeLoader()
	m, pub := newTestManager(t, l)
	op, err := m.Submit(enable("m", 1))
	if err != nil || op == "" {
		t.Fatalf("submit: op=%q err=%v", op, err)
	}
	deadline := time.Now().Add(time.Second)
	for m.StateOf("m", 1) != StateServed {
		if time.Now().After(deadline) {
			t.Fatalf("background directive not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := m.Submit(types.Directive{Name: "m", Action: types.ActionUnknown}); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_ = pub
}

func TestReconcileKeepsServableOfRejectedDirective(t *testing.T) {
	l := newFakeLoader()
	m, _ := newTestManager(t, l)
	ctx := context.Background()
	m.Reconcile(ctx, []types.Directive{enable("m", 1), enable("m", 2), enable("n", 1)})

	rep := m.Reconcile(ctx, []types.Directive{
		{Name: "m", Version: 1, Action: types.ActionUnknown},
		{Name: "n", Action: types.ActionUnknown},
	})
	failed := rep.Failed()
	if len(failed) != 2 || !IsValidation(failed[0].Err) || !IsValidation(failed[1].Err) {
		t.Fatalf("failures=%+v", failed)
	}
	if st := m.StateOf("m", 1); st != StateServed {
		t.Fatalf("m/1 state=%s want served", st)
	}
	if st := m.StateOf("n", 1); st != StateServed {
		t.Fatalf("n/1 state=%s want served", st)
	}
	// m/2 is neither desired nor named by a rejected directive.
	if len(m.ServableStatus("m")) != 1 {
		t.Fatalf("m/2 should have been deleted: %+v", m.ServableStatus("m"))
	}
	if _, unloads := l.counts(); unloads != 1 {
		t.Fatalf("unloads=%d want 1", unloads)
	}
}

func TestStaleHandleDoesNotReachNewInstance(t *testing.T) {
	l := newFakeLoader()
	m, _ := newTestManager(t, l)
	ctx := context.Background()
	if _, err := m.Apply(ctx, enable("m", 1)); err != nil {
		t.Fatalf("enable: %v", err)
	}
	old, err := m.Lookup("m", 1)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := m.ApplyAction(ctx, "m", 1, types.ActionDisable); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := m.Apply(ctx, enable("m", 1)); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if _, ok := old.Acquire(); ok {
		t.Fatalf("handle from the unloaded instance reached the new one")
	}
	cur, err := m.Lookup("m", 1)
	if err != nil {
		t.Fatalf("lookup after re-enable: %v", err)
	}
	v, ok := cur.Acquire()
	if !ok || v.Value().(*fakeResource).id != 2 {
		t.Fatalf("new lookup did not pin the new instance")
	}
	v.Release()

	// A failure observed on the old instance must not fail the new one.
	m.ReportFailure(old, errBoom)
	if st := m.StateOf("m", 1); st != StateServed {
		t.Fatalf("stale failure report changed state to %s", st)
	}
	m.ReportFailure(cur, errBoom)
	if st := m.StateOf("m", 1); st != StateFailed {
		t.Fatalf("state=%s want failed", st)
	}
}

func TestConcurrentApplyActionIsSerialized(t *testing.T) {
	l := newFakeLoader()
	l.delay = 5 * time.Millisecond
	m, _ := newTestManager(t, l)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			action := types.ActionEnable
			if i%2 == 1 {
				action = types.ActionDisable
			}
			if _, err := m.applyDirective(ctx, types.Directive{Name: "m", Version: 1, Action: action, Source: "/models/m"}); err != nil {
				t.Errorf("apply %v: %v", action, err)
			}
		}(i)
	}
	wg.Wait()
	if active, _ := l.peaks(); active != 1 {
		t.Fatalf("concurrent loads of one servable: %d", active)
	}
	if st := m.StateOf("m", 1); st != StateServed && st != StateAbsent {
		t.Fatalf("settled in %s", st)
	}
}

func TestAtMostOneInstanceUnderChurn(t *testing.T) {
	l := newFakeLoader()
	m, _ := newTestManager(t, l)
	// Readers hold views only briefly; never let the drain time out.
	m.drainTimeout = 10 * time.Second
	ctx := context.Background()
	stop := make(chan struct{})

	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				sv, err := m.Lookup("m", Latest)
				if err != nil {
					continue
				}
				v, ok := sv.Acquire()
				if !ok {
					continue
				}
				if id := v.Value().(*fakeResource).id; l.isUnloaded(id) {
					t.Errorf("pinned resource %d was unloaded", id)
				}
				v.Release()
			}
		}()
	}

	var writers sync.WaitGroup
	for i := 0; i < 4; i++ {
		writers.Add(1)
		go func(i int) {
			defer writers.Done()
			for j := 0; j < 25; j++ {
				action := types.ActionEnable
				if (i+j)%2 == 1 {
					action = types.ActionDisable
				}
				_, _ = m.applyDirective(ctx, types.Directive{Name: "m", Version: 1, Action: action, Source: "/models/m"})
			}
		}(i)
	}
	writers.Wait()
	close(stop)
	readers.Wait()

	if _, live := l.peaks(); live > 1 {
		t.Fatalf("%d instances of one servable were alive at once", live)
	}
}

func TestEnableVersionPolicies(t *testing.T) {
	catalog := []types.Model{
		{Name: "m", Version: 1, Path: "/cat/m/1"},
		{Name: "m", Version: 2, Path: "/cat/m/2"},
		{Name: "m", Version: 3, Path: "/cat/m/3"},
	}
	cases := []struct {
		name   string
		policy *types.VersionPolicy
		want   []int64
	}{
		{"default is latest", nil, []int64{3}},
		{"latest two", &types.VersionPolicy{Latest: 2}, []int64{2, 3}},
		{"latest beyond catalog", &types.VersionPolicy{Latest: 9}, []int64{1, 2, 3}},
		{"all", &types.VersionPolicy{All: true}, []int64{1, 2, 3}},
		{"specific", &types.VersionPolicy{Specific: []int64{3, 1, 3}}, []int64{1, 3}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m, _ := newTestManager(t, newFakeLoader(), catalog...)
			outs, err := m.Apply(context.Background(), types.Directive{Name: "m", Action: types.ActionEnable, Policy: c.policy})
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			var got []int64
			for _, o := range outs {
				if o.State != StateServed {
					t.Fatalf("version %d state=%s", o.Version, o.State)
				}
				got = append(got, o.Version)
			}
			if !reflect.DeepEqual(got, c.want) {
				t.Fatalf("versions=%v want %v", got, c.want)
			}
		})
	}
}

func TestReconcilePolicyRetiresUnselectedVersions(t *testing.T) {
	l := newFakeLoader()
	m, _ := newTestManager(t, l,
		types.Model{Name: "m", Version: 1, Path: "/cat/m/1"},
		types.Model{Name: "m", Version: 2, Path: "/cat/m/2"},
		types.Model{Name: "m", Version: 3, Path: "/cat/m/3"},
	)
	ctx := context.Background()
	m.Reconcile(ctx, []types.Directive{{Name: "m", Action: types.ActionEnable, Policy: &types.VersionPolicy{All: true}}})
	if n := len(m.ServableStatus("m")); n != 3 {
		t.Fatalf("served %d versions, want 3", n)
	}
	rep := m.Reconcile(ctx, []types.Directive{{Name: "m", Action: types.ActionEnable, Policy: &types.VersionPolicy{Latest: 1}}})
	if len(rep.Failed()) != 0 {
		t.Fatalf("failures=%+v", rep.Failed())
	}
	if st := m.StateOf("m", 3); st != StateServed {
		t.Fatalf("m/3 state=%s", st)
	}
	if n := len(m.ServableStatus("m")); n != 1 {
		t.Fatalf("older versions not retired: %+v", m.ServableStatus("m"))
	}
}

func TestInvalidVersionPolicyRejected(t *testing.T) {
	m, _ := newTestManager(t, newFakeLoader(), types.Model{Name: "m", Version: 1, Path: "/cat/m/1"})
	bad := []types.Directive{
		{Name: "m", Action: types.ActionEnable, Policy: &types.VersionPolicy{}},
		{Name: "m", Action: types.ActionEnable, Policy: &types.VersionPolicy{All: true, Latest: 1}},
		{Name: "m", Action: types.ActionEnable, Policy: &types.VersionPolicy{Latest: -1}},
		{Name: "m", Action: types.ActionEnable, Policy: &types.VersionPolicy{Specific: []int64{0}}},
		{Name: "m", Version: 1, Action: types.ActionEnable, Policy: &types.VersionPolicy{All: true}},
		{Name: "m", Action: types.ActionEnable, Source: "/x", Policy: &types.VersionPolicy{All: true}},
		{Name: "m", Action: types.ActionDisable, Policy: &types.VersionPolicy{All: true}},
	}
	for _, d := range bad {
		if _, err := m.Apply(context.Background(), d); !IsValidation(err) {
			t.Fatalf("%+v: expected validation error, got %v", d.Policy, err)
		}
	}
	if len(m.Status().Servables) != 0 {
		t.Fatalf("table changed on rejected policy")
	}
}
