package driver

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"

	"github.com/go-logr/logr"
	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
	"github.com/mlplatform/workload-controller/pkg/controller/health"
	ctlerrors "github.com/mlplatform/workload-controller/pkg/util/errors"
	"github.com/mlplatform/workload-controller/version"
)

// K8sDriver is the Driver implementation backed by a real cluster, reached
// through a client-go kubernetes.Interface.
type K8sDriver struct {
	clusterID string
	client    kubernetes.Interface
	retry     RetryPolicy
	log       logr.Logger
}

// NewK8sDriver builds a K8sDriver for one cluster. clusterID is used only
// for logging and ClusterState reporting; the client already targets a
// specific cluster's API server.
func NewK8sDriver(clusterID string, client kubernetes.Interface, retry RetryPolicy, log logr.Logger) *K8sDriver {
	return &K8sDriver{clusterID: clusterID, client: client, retry: retry, log: log}
}

func (d *K8sDriver) backoff() wait.Backoff {
	return wait.Backoff{
		Duration: d.retry.InitialInterval,
		Factor:   d.retry.Factor,
		Steps:    d.retry.MaxRetries,
		Cap:      d.retry.MaxInterval,
	}
}

// withRetry retries fn on transient errors (server timeouts, conflicts, and
// service-unavailable) using the driver's configured backoff, and wraps a
// terminal failure into a canonical *errors.Error.
func (d *K8sDriver) withRetry(op string, fn func() error) error {
	var lastErr error
	err := wait.ExponentialBackoff(d.backoff(), func() (bool, error) {
		lastErr = fn()
		if lastErr == nil {
			return true, nil
		}
		if apierrors.IsNotFound(lastErr) || apierrors.IsAlreadyExists(lastErr) || apierrors.IsInvalid(lastErr) {
			return false, lastErr // terminal, do not retry
		}
		if apierrors.IsServerTimeout(lastErr) || apierrors.IsTimeout(lastErr) ||
			apierrors.IsServiceUnavailable(lastErr) || apierrors.IsConflict(lastErr) {
			d.log.V(2).Info("retrying cluster operation", "op", op, "cluster", d.clusterID, "err", lastErr)
			return false, nil // retry
		}
		return false, lastErr // unknown, do not retry
	})
	if err == nil {
		return nil
	}
	switch {
	case apierrors.IsNotFound(lastErr):
		return ctlerrors.Wrap(ctlerrors.CodeNotFound, lastErr, "%s: resource not found", op)
	case apierrors.IsAlreadyExists(lastErr):
		return ctlerrors.Wrap(ctlerrors.CodeAlreadyExists, lastErr, "%s: resource already exists", op)
	case apierrors.IsInvalid(lastErr):
		return ctlerrors.Wrap(ctlerrors.CodeInvalid, lastErr, "%s: invalid resource", op)
	case wait.Interrupted(err):
		return ctlerrors.Wrap(ctlerrors.CodeClusterTimeout, lastErr, "%s: exhausted retries against cluster %s", op, d.clusterID)
	default:
		return ctlerrors.Wrap(ctlerrors.CodeClusterUnavailable, lastErr, "%s: cluster %s unavailable", op, d.clusterID)
	}
}

func (d *K8sDriver) Get(ctx context.Context, ref workloadv1alpha1.Deployment) (*workloadv1alpha1.Deployment, error) {
	var out workloadv1alpha1.Deployment
	err := d.withRetry("get", func() error {
		switch ref.Kind {
		case workloadv1alpha1.KindStatefulSet:
			ss, err := d.client.AppsV1().StatefulSets(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			out = fromStatefulSet(ref, ss)
		case workloadv1alpha1.KindJob:
			j, err := d.client.BatchV1().Jobs(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			out = fromJob(ref, j)
		default:
			dep, err := d.client.AppsV1().Deployments(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			out = fromDeployment(ref, dep)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *K8sDriver) Create(ctx context.Context, dep workloadv1alpha1.Deployment) error {
	return d.withRetry("create", func() error {
		switch dep.Kind {
		case workloadv1alpha1.KindStatefulSet:
			_, err := d.client.AppsV1().StatefulSets(dep.Namespace).Create(ctx, toStatefulSet(dep), metav1.CreateOptions{})
			return err
		case workloadv1alpha1.KindJob:
			_, err := d.client.BatchV1().Jobs(dep.Namespace).Create(ctx, toJob(dep), metav1.CreateOptions{})
			return err
		default:
			_, err := d.client.AppsV1().Deployments(dep.Namespace).Create(ctx, toDeployment(dep), metav1.CreateOptions{})
			return err
		}
	})
}

func (d *K8sDriver) UpdateImage(ctx context.Context, ref workloadv1alpha1.Deployment, image string) (string, error) {
	var revision string
	err := d.withRetry("update-image", func() error {
		switch ref.Kind {
		case workloadv1alpha1.KindStatefulSet:
			ss, err := d.client.AppsV1().StatefulSets(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			setContainerImage(&ss.Spec.Template, image)
			updated, err := d.client.AppsV1().StatefulSets(ref.Namespace).Update(ctx, ss, metav1.UpdateOptions{})
			if err != nil {
				return err
			}
			revision = fmt.Sprintf("%d", updated.Generation)
		default:
			dep, err := d.client.AppsV1().Deployments(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			setContainerImage(&dep.Spec.Template, image)
			updated, err := d.client.AppsV1().Deployments(ref.Namespace).Update(ctx, dep, metav1.UpdateOptions{})
			if err != nil {
				return err
			}
			revision = fmt.Sprintf("%d", updated.Generation)
		}
		return nil
	})
	return revision, err
}

func (d *K8sDriver) Scale(ctx context.Context, ref workloadv1alpha1.Deployment, replicas int32) error {
	return d.withRetry("scale", func() error {
		switch ref.Kind {
		case workloadv1alpha1.KindStatefulSet:
			scale, err := d.client.AppsV1().StatefulSets(ref.Namespace).GetScale(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			scale.Spec.Replicas = replicas
			_, err = d.client.AppsV1().StatefulSets(ref.Namespace).UpdateScale(ctx, ref.Name, scale, metav1.UpdateOptions{})
			return err
		default:
			scale, err := d.client.AppsV1().Deployments(ref.Namespace).GetScale(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			scale.Spec.Replicas = replicas
			_, err = d.client.AppsV1().Deployments(ref.Namespace).UpdateScale(ctx, ref.Name, scale, metav1.UpdateOptions{})
			return err
		}
	})
}

func (d *K8sDriver) Delete(ctx context.Context, ref workloadv1alpha1.Deployment) error {
	return d.withRetry("delete", func() error {
		switch ref.Kind {
		case workloadv1alpha1.KindStatefulSet:
			return d.client.AppsV1().StatefulSets(ref.Namespace).Delete(ctx, ref.Name, metav1.DeleteOptions{})
		case workloadv1alpha1.KindJob:
			return d.client.BatchV1().Jobs(ref.Namespace).Delete(ctx, ref.Name, metav1.DeleteOptions{})
		default:
			return d.client.AppsV1().Deployments(ref.Namespace).Delete(ctx, ref.Name, metav1.DeleteOptions{})
		}
	})
}

func (d *K8sDriver) RollbackToRevision(ctx context.Context, ref workloadv1alpha1.Deployment, revision string) error {
	// A rollback is expressed as an UpdateImage back to the image recorded
	// for the target revision; the caller (Rollback Controller) resolves
	// revision to an image before calling in, since revision history
	// storage belongs to the persistence layer, not the driver.
	_, err := d.UpdateImage(ctx, ref, ref.Image)
	return err
}

func (d *K8sDriver) Restart(ctx context.Context, ref workloadv1alpha1.Deployment) (string, error) {
	var revision string
	err := d.withRetry("restart", func() error {
		switch ref.Kind {
		case workloadv1alpha1.KindStatefulSet:
			ss, err := d.client.AppsV1().StatefulSets(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			stampRestartAnnotation(&ss.Spec.Template)
			updated, err := d.client.AppsV1().StatefulSets(ref.Namespace).Update(ctx, ss, metav1.UpdateOptions{})
			if err != nil {
				return err
			}
			revision = fmt.Sprintf("%d", updated.Generation)
		default:
			dep, err := d.client.AppsV1().Deployments(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			stampRestartAnnotation(&dep.Spec.Template)
			updated, err := d.client.AppsV1().Deployments(ref.Namespace).Update(ctx, dep, metav1.UpdateOptions{})
			if err != nil {
				return err
			}
			revision = fmt.Sprintf("%d", updated.Generation)
		}
		return nil
	})
	return revision, err
}

// Drain scales a managed resource to zero replicas and blocks until its pods
// have exited or ttl elapses, whichever comes first.
func (d *K8sDriver) Drain(ctx context.Context, ref workloadv1alpha1.Deployment, ttl time.Duration) error {
	if err := d.Scale(ctx, ref, 0); err != nil {
		return err
	}
	deadline := time.Now().Add(ttl)
	for time.Now().Before(deadline) {
		list, err := d.client.CoreV1().Pods(ref.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: fmt.Sprintf("workload=%s", ref.Name),
		})
		if err != nil {
			return ctlerrors.Wrap(ctlerrors.CodeClusterUnavailable, err, "drain: listing pods for %s", ref.Name)
		}
		if len(list.Items) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctlerrors.Wrap(ctlerrors.CodeClusterTimeout, ctx.Err(), "drain: context canceled waiting for %s", ref.Name)
		case <-time.After(time.Second):
		}
	}
	return ctlerrors.New(ctlerrors.CodeClusterTimeout, fmt.Sprintf("drain: pods for %s still present after %s", ref.Name, ttl))
}

func (d *K8sDriver) Snapshot(ctx context.Context, ref workloadv1alpha1.Deployment) (health.Snapshot, error) {
	snap := health.Snapshot{Name: ref.Name, Namespace: ref.Namespace}

	err := d.withRetry("get-status", func() error {
		switch ref.Kind {
		case workloadv1alpha1.KindStatefulSet:
			ss, err := d.client.AppsV1().StatefulSets(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			snap.DesiredReplicas = derefOr(ss.Spec.Replicas, 1)
			snap.ReadyReplicas = ss.Status.ReadyReplicas
			snap.AvailableReplicas = ss.Status.AvailableReplicas
		case workloadv1alpha1.KindJob:
			j, err := d.client.BatchV1().Jobs(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			snap.DesiredReplicas = derefOr(j.Spec.Parallelism, 1)
			snap.ReadyReplicas = derefOr(j.Status.Ready, 0)
			snap.AvailableReplicas = j.Status.Active
		default:
			dep, err := d.client.AppsV1().Deployments(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			snap.DesiredReplicas = derefOr(dep.Spec.Replicas, 1)
			snap.ReadyReplicas = dep.Status.ReadyReplicas
			snap.AvailableReplicas = dep.Status.AvailableReplicas
		}
		return nil
	})
	if err != nil {
		return health.Snapshot{}, err
	}

	err = d.withRetry("list-pods", func() error {
		list, err := d.client.CoreV1().Pods(ref.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: fmt.Sprintf("workload=%s", ref.Name),
		})
		if err != nil {
			return err
		}
		snap.Pods = make([]health.PodSnapshot, 0, len(list.Items))
		for _, p := range list.Items {
			snap.Pods = append(snap.Pods, toPodSnapshot(p))
		}
		return nil
	})
	if err != nil {
		return health.Snapshot{}, err
	}

	return snap, nil
}

func (d *K8sDriver) ClusterState(ctx context.Context, clusterID string) (workloadv1alpha1.ClusterState, error) {
	_, err := d.client.Discovery().ServerVersion()
	if err != nil {
		return workloadv1alpha1.ClusterStateUnreachable, ctlerrors.Wrap(ctlerrors.CodeClusterUnavailable, err, "cluster %s unreachable", clusterID)
	}
	return workloadv1alpha1.ClusterStateReady, nil
}

func toPodSnapshot(p corev1.Pod) health.PodSnapshot {
	snap := health.PodSnapshot{Name: p.Name, Phase: string(p.Status.Phase), CreatedAt: p.CreationTimestamp.Time}
	for _, cs := range p.Status.ContainerStatuses {
		c := health.ContainerSnapshot{Name: cs.Name, Ready: cs.Ready, RestartCount: cs.RestartCount}
		if cs.State.Waiting != nil {
			c.WaitReason = health.ContainerWaitReason(cs.State.Waiting.Reason)
		}
		snap.Containers = append(snap.Containers, c)
	}
	return snap
}

// setContainerImage updates every container's image and stamps the
// controller's bundle-version annotation, so a cluster operator can tell
// which build of the controller last touched a workload it manages.
func setContainerImage(tmpl *corev1.PodTemplateSpec, image string) {
	for i := range tmpl.Spec.Containers {
		tmpl.Spec.Containers[i].Image = image
	}
	if tmpl.Annotations == nil {
		tmpl.Annotations = map[string]string{}
	}
	tmpl.Annotations[version.BundleVersionAnnotation] = version.BundleVersion
}

// stampRestartAnnotation forces a rolling restart without changing the pod
// template's image, the same mechanism `kubectl rollout restart` uses.
func stampRestartAnnotation(tmpl *corev1.PodTemplateSpec) {
	if tmpl.Annotations == nil {
		tmpl.Annotations = map[string]string{}
	}
	tmpl.Annotations["workload-controller.mlplatform.io/restartedAt"] = time.Now().Format(time.RFC3339Nano)
}

func fromDeployment(ref workloadv1alpha1.Deployment, dep *appsv1.Deployment) workloadv1alpha1.Deployment {
	out := ref
	out.DesiredReplicas = derefOr(dep.Spec.Replicas, 1)
	out.Revision = fmt.Sprintf("%d", dep.Generation)
	if len(dep.Spec.Template.Spec.Containers) > 0 {
		out.Image = dep.Spec.Template.Spec.Containers[0].Image
	}
	return out
}

func fromStatefulSet(ref workloadv1alpha1.Deployment, ss *appsv1.StatefulSet) workloadv1alpha1.Deployment {
	out := ref
	out.DesiredReplicas = derefOr(ss.Spec.Replicas, 1)
	out.Revision = fmt.Sprintf("%d", ss.Generation)
	if len(ss.Spec.Template.Spec.Containers) > 0 {
		out.Image = ss.Spec.Template.Spec.Containers[0].Image
	}
	return out
}

func fromJob(ref workloadv1alpha1.Deployment, j *batchv1.Job) workloadv1alpha1.Deployment {
	out := ref
	out.DesiredReplicas = derefOr(j.Spec.Parallelism, 1)
	out.Revision = fmt.Sprintf("%d", j.Generation)
	if len(j.Spec.Template.Spec.Containers) > 0 {
		out.Image = j.Spec.Template.Spec.Containers[0].Image
	}
	return out
}

func toDeployment(dep workloadv1alpha1.Deployment) *appsv1.Deployment {
	replicas := dep.DesiredReplicas
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: dep.Name, Namespace: dep.Namespace, Labels: dep.Labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"workload": dep.Name}},
			Template: podTemplate(dep),
		},
	}
}

func toStatefulSet(dep workloadv1alpha1.Deployment) *appsv1.StatefulSet {
	replicas := dep.DesiredReplicas
	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: dep.Name, Namespace: dep.Namespace, Labels: dep.Labels},
		Spec: appsv1.StatefulSetSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"workload": dep.Name}},
			Template: podTemplate(dep),
		},
	}
}

func toJob(dep workloadv1alpha1.Deployment) *batchv1.Job {
	replicas := dep.DesiredReplicas
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: dep.Name, Namespace: dep.Namespace, Labels: dep.Labels},
		Spec: batchv1.JobSpec{
			Parallelism: &replicas,
			Template:    podTemplate(dep),
		},
	}
}

func podTemplate(dep workloadv1alpha1.Deployment) corev1.PodTemplateSpec {
	labels := map[string]string{"workload": dep.Name}
	for k, v := range dep.Labels {
		labels[k] = v
	}
	return corev1.PodTemplateSpec{
		ObjectMeta: metav1.ObjectMeta{
			Labels:      labels,
			Annotations: map[string]string{version.BundleVersionAnnotation: version.BundleVersion},
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{Name: dep.Name, Image: dep.Image}},
		},
	}
}

func derefOr(v *int32, def int32) int32 {
	if v == nil {
		return def
	}
	return *v
}
