package directory

import (
	"context"
	"fmt"

	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/rs/zerolog"

	jiterrors "github.com/p-blackswan/jit-access/internal/errors"
)

// maxConflictRetries bounds optimistic-concurrency retries on RoleBinding
// updates.
const maxConflictRetries = 3

// Kubernetes maps entitlements to RoleBindings in a single namespace:
// granting adds the principal as a User subject, revoking removes it.
type Kubernetes struct {
	clientset kubernetes.Interface
	namespace string
	logger    zerolog.Logger
}

// KubernetesConfig holds Kubernetes adapter configuration.
type KubernetesConfig struct {
	KubeconfigPath string
	Namespace      string
}

// NewKubernetes creates an adapter from kubeconfig or in-cluster config.
func NewKubernetes(cfg KubernetesConfig, logger zerolog.Logger) (*Kubernetes, error) {
	var restConfig *rest.Config
	var err error

	if cfg.KubeconfigPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.KubeconfigPath)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("building k8s config: %w", err)
	}

	cs, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating k8s clientset: %w", err)
	}

	return NewKubernetesFromInterface(cs, cfg.Namespace, logger), nil
}

// NewKubernetesFromInterface creates an adapter from an existing clientset
// (for testing with the fake clientset).
func NewKubernetesFromInterface(cs kubernetes.Interface, namespace string, logger zerolog.Logger) *Kubernetes {
	return &Kubernetes{
		clientset: cs,
		namespace: namespace,
		logger:    logger.With().Str("component", "directory_k8s").Logger(),
	}
}

// Grant adds the principal as a User subject on the entitlement's
// RoleBinding. Already-present subjects succeed without an update.
func (k *Kubernetes) Grant(ctx context.Context, principal, entitlement string) error {
	err := k.updateBinding(ctx, entitlement, func(rb *rbacv1.RoleBinding) bool {
		for _, s := range rb.Subjects {
			if s.Kind == rbacv1.UserKind && s.Name == principal {
				return false
			}
		}
		rb.Subjects = append(rb.Subjects, rbacv1.Subject{
			Kind:     rbacv1.UserKind,
			APIGroup: rbacv1.GroupName,
			Name:     principal,
		})
		return true
	})
	if err != nil {
		return jiterrors.NewDirectoryError("kubernetes", "grant", err)
	}

	k.logger.Info().
		Str("principal", principal).
		Str("role_binding", entitlement).
		Msg("membership granted")
	return nil
}

// Revoke removes the principal's User subject from the entitlement's
// RoleBinding. A missing binding or absent subject succeeds.
func (k *Kubernetes) Revoke(ctx context.Context, principal, entitlement string) error {
	err := k.updateBinding(ctx, entitlement, func(rb *rbacv1.RoleBinding) bool {
		kept := rb.Subjects[:0]
		removed := false
		for _, s := range rb.Subjects {
			if s.Kind == rbacv1.UserKind && s.Name == principal {
				removed = true
				continue
			}
			kept = append(kept, s)
		}
		rb.Subjects = kept
		return removed
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return jiterrors.NewDirectoryError("kubernetes", "revoke", err)
	}

	k.logger.Info().
		Str("principal", principal).
		Str("role_binding", entitlement).
		Msg("membership revoked")
	return nil
}

// updateBinding applies mutate to the named RoleBinding and persists it
// when mutate reports a change, retrying on resource-version conflicts.
func (k *Kubernetes) updateBinding(ctx context.Context, name string, mutate func(*rbacv1.RoleBinding) bool) error {
	bindings := k.clientset.RbacV1().RoleBindings(k.namespace)

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		rb, err := bindings.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}

		if !mutate(rb) {
			return nil
		}

		if _, err := bindings.Update(ctx, rb, metav1.UpdateOptions{}); err != nil {
			if apierrors.IsConflict(err) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}
